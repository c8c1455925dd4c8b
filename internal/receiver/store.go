package receiver

import (
	"sync"

	"github.com/batchscribe/batchscribe/internal/job"
)

// store keeps delivered results in memory, keyed by job ID, bounded to a
// fixed capacity. When full, the oldest entry is evicted so a long-running
// development session never grows without limit.
type store struct {
	mu    sync.Mutex
	cap   int
	byID  map[string]job.TranscriptResult
	order []string
}

func newStore(capacity int) *store {
	return &store{
		cap:  capacity,
		byID: make(map[string]job.TranscriptResult, capacity),
	}
}

// Put stores a result. It returns false if a result with the same job ID is
// already present; the stored entry is left untouched.
func (s *store) Put(result job.TranscriptResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[result.JobID]; dup {
		return false
	}

	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
	}

	s.byID[result.JobID] = result
	s.order = append(s.order, result.JobID)
	return true
}

// Get returns the result for a job ID, if present.
func (s *store) Get(jobID string) (job.TranscriptResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[jobID]
	return r, ok
}

// List returns all stored results in arrival order.
func (s *store) List() []job.TranscriptResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.TranscriptResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of stored results.
func (s *store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
