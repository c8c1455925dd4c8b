package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/batchscribe/batchscribe/internal/fault"
	"github.com/batchscribe/batchscribe/internal/job"
	"github.com/batchscribe/batchscribe/internal/logger"
	"github.com/batchscribe/batchscribe/internal/queue"
	"github.com/batchscribe/batchscribe/internal/resilience"
)

// --- fakes ---

type scriptedASR struct {
	mu    sync.Mutex
	calls int
	// script returns the result for the nth invocation (1-based).
	script func(call int, reference string) (string, error)
}

func (a *scriptedASR) Transcribe(ctx context.Context, reference string) (string, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.mu.Unlock()
	return a.script(n, reference)
}

func (a *scriptedASR) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// memorySink stores results idempotently by job ID, like the real receiver.
type memorySink struct {
	mu      sync.Mutex
	results map[string]job.TranscriptResult
	fail    func(result job.TranscriptResult) error
}

func newMemorySink() *memorySink {
	return &memorySink{results: map[string]job.TranscriptResult{}}
}

func (s *memorySink) Deliver(ctx context.Context, result job.TranscriptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(result); err != nil {
			return err
		}
	}
	s.results[result.JobID] = result
	return nil
}

func (s *memorySink) stored() []job.TranscriptResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.TranscriptResult, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	return out
}

type usageLog struct {
	mu       sync.Mutex
	outcomes []string
}

func (u *usageLog) RecordInvocation(ctx context.Context, outcome string, d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.outcomes = append(u.outcomes, outcome)
}

func (u *usageLog) recorded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.outcomes...)
}

// ackRecorder builds a single delivery and records its terminal signal.
type ackRecorder struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued bool
}

func (a *ackRecorder) delivery(body []byte, redelivered bool) queue.Delivery {
	return queue.NewDelivery(body, 1, redelivered,
		func() error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.acks++
			return nil
		},
		func(requeue bool) error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.nacks++
			a.requeued = requeue
			return nil
		})
}

func fastConfig() Config {
	fast := resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffFactor: 1.0}
	return Config{ASRRetry: fast, DeliveryRetry: fast}
}

func testWorker(asr Transcriber, sink Deliverer, usage UsageRecorder, cfg Config) *Worker {
	return New(nil, asr, sink, usage, cfg, logger.NewDefault("test"))
}

func encodedItem(t *testing.T) (job.WorkItem, []byte) {
	t.Helper()
	item := job.NewWorkItem("https://bucket.s3.amazonaws.com/a.wav?sig=abc", time.Hour)
	body, err := item.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return item, body
}

// --- handle: ack discipline ---

func TestHandle_SuccessDeliversThenAcks(t *testing.T) {
	item, body := encodedItem(t)
	asr := &scriptedASR{script: func(int, string) (string, error) { return "hello", nil }}
	sink := newMemorySink()
	usage := &usageLog{}
	rec := &ackRecorder{}

	w := testWorker(asr, sink, usage, fastConfig())
	w.handle(context.Background(), rec.delivery(body, false))

	if rec.acks != 1 || rec.nacks != 0 {
		t.Errorf("expected exactly one ack, got acks=%d nacks=%d", rec.acks, rec.nacks)
	}
	stored := sink.stored()
	if len(stored) != 1 || stored[0].JobID != item.JobID || stored[0].Text != "hello" {
		t.Errorf("expected delivered transcript for %s, got %v", item.JobID, stored)
	}
	if got := usage.recorded(); len(got) != 1 || got[0] != "success" {
		t.Errorf("expected one success invocation recorded, got %v", got)
	}
}

func TestHandle_TransientNacksRequeueWithoutAck(t *testing.T) {
	_, body := encodedItem(t)
	asr := &scriptedASR{script: func(int, string) (string, error) {
		return "", fault.Transient("rate limited", nil)
	}}
	sink := newMemorySink()
	usage := &usageLog{}
	rec := &ackRecorder{}

	w := testWorker(asr, sink, usage, fastConfig())
	w.handle(context.Background(), rec.delivery(body, false))

	if rec.acks != 0 {
		t.Error("transient failures must never be acknowledged")
	}
	if rec.nacks != 1 || !rec.requeued {
		t.Errorf("expected one nack with requeue, got nacks=%d requeued=%v", rec.nacks, rec.requeued)
	}
	if len(sink.stored()) != 0 {
		t.Error("nothing should reach the sink for a requeued item")
	}
	// Bounded in-process retry: two invocations, both metered.
	if got := usage.recorded(); len(got) != 2 || got[0] != "transient" {
		t.Errorf("expected two transient invocations recorded, got %v", got)
	}
}

func TestHandle_PermanentAcksAndRecordsFailure(t *testing.T) {
	item, body := encodedItem(t)
	asr := &scriptedASR{script: func(int, string) (string, error) {
		return "", fault.Permanent("unsupported codec", nil)
	}}
	sink := newMemorySink()
	rec := &ackRecorder{}

	w := testWorker(asr, sink, &usageLog{}, fastConfig())
	w.handle(context.Background(), rec.delivery(body, false))

	if rec.acks != 1 || rec.nacks != 0 {
		t.Errorf("permanent failure must ack-and-drop, got acks=%d nacks=%d", rec.acks, rec.nacks)
	}
	if asr.callCount() != 1 {
		t.Errorf("permanent faults must not be retried in place, got %d calls", asr.callCount())
	}
	stored := sink.stored()
	if len(stored) != 1 || stored[0].Status != job.StatusFailure || stored[0].JobID != item.JobID {
		t.Errorf("expected a recorded failure outcome, got %v", stored)
	}
}

func TestHandle_ExpiredReferenceAcksWithoutInvoking(t *testing.T) {
	item := job.WorkItem{
		JobID:      "stale",
		Reference:  "https://bucket.s3.amazonaws.com/old.wav?sig=abc",
		EnqueuedAt: time.Now().Add(-2 * time.Hour),
		ValidFor:   time.Hour,
	}
	body, _ := item.Encode()

	asr := &scriptedASR{script: func(int, string) (string, error) {
		t.Error("engine must not be invoked for an expired reference")
		return "", nil
	}}
	sink := newMemorySink()
	rec := &ackRecorder{}

	w := testWorker(asr, sink, &usageLog{}, fastConfig())
	w.handle(context.Background(), rec.delivery(body, false))

	if rec.acks != 1 || rec.nacks != 0 {
		t.Errorf("expired item must ack-and-drop, got acks=%d nacks=%d", rec.acks, rec.nacks)
	}
	stored := sink.stored()
	if len(stored) != 1 || stored[0].Status != job.StatusFailure {
		t.Errorf("expected a recorded failure outcome, got %v", stored)
	}
}

func TestHandle_UndecodableBodyAcks(t *testing.T) {
	rec := &ackRecorder{}
	sink := newMemorySink()
	asr := &scriptedASR{script: func(int, string) (string, error) {
		t.Error("engine must not be invoked for garbage")
		return "", nil
	}}

	w := testWorker(asr, sink, &usageLog{}, fastConfig())
	w.handle(context.Background(), rec.delivery([]byte("{not json"), false))

	if rec.acks != 1 || rec.nacks != 0 {
		t.Errorf("undecodable bodies must ack-and-drop, got acks=%d nacks=%d", rec.acks, rec.nacks)
	}
}

func TestHandle_ShutdownLeavesItemUnsettled(t *testing.T) {
	_, body := encodedItem(t)
	asr := &scriptedASR{script: func(int, string) (string, error) { return "hello", nil }}
	sink := newMemorySink()
	rec := &ackRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := testWorker(asr, sink, &usageLog{}, fastConfig())
	w.handle(ctx, rec.delivery(body, false))

	if rec.acks != 0 || rec.nacks != 0 {
		t.Errorf("interrupted item must stay unsettled for redelivery, got acks=%d nacks=%d", rec.acks, rec.nacks)
	}
	if asr.callCount() != 0 {
		t.Errorf("engine must not run under a dead context, got %d calls", asr.callCount())
	}
	if len(sink.stored()) != 0 {
		t.Error("no result, success or failure, may be recorded for an unprocessed item")
	}
}

func TestHandle_ShutdownDuringDeliveryLeavesItemUnsettled(t *testing.T) {
	_, body := encodedItem(t)
	asr := &scriptedASR{script: func(int, string) (string, error) { return "hello", nil }}

	ctx, cancel := context.WithCancel(context.Background())
	sink := newMemorySink()
	sink.fail = func(job.TranscriptResult) error {
		// Shutdown lands between transcription and the sink call.
		cancel()
		return ctx.Err()
	}
	rec := &ackRecorder{}

	w := testWorker(asr, sink, &usageLog{}, fastConfig())
	w.handle(ctx, rec.delivery(body, false))

	if rec.acks != 0 || rec.nacks != 0 {
		t.Errorf("item interrupted before the sink must stay unsettled, got acks=%d nacks=%d", rec.acks, rec.nacks)
	}
	if len(sink.stored()) != 0 {
		t.Error("nothing should be stored for an interrupted delivery")
	}
}

func TestHandle_DeliveryExhaustionAcksAndDrops(t *testing.T) {
	_, body := encodedItem(t)
	asr := &scriptedASR{script: func(int, string) (string, error) { return "hello", nil }}
	sink := newMemorySink()
	sink.fail = func(job.TranscriptResult) error {
		return fault.Transient("sink down", nil)
	}
	rec := &ackRecorder{}

	w := testWorker(asr, sink, &usageLog{}, fastConfig())
	w.handle(context.Background(), rec.delivery(body, false))

	if rec.acks != 1 || rec.nacks != 0 {
		t.Errorf("exhausted delivery must ack-and-drop, got acks=%d nacks=%d", rec.acks, rec.nacks)
	}
	if len(sink.stored()) != 0 {
		t.Error("nothing should be stored when every delivery attempt fails")
	}
}

// --- full loop scenarios ---

// memQueue is an in-memory competing-consumer queue. Nack-requeue makes the
// message deliverable again, flagged as redelivered.
type memQueue struct {
	ch chan memMsg
	mu sync.Mutex
	// terminal counts
	acks int
}

type memMsg struct {
	body        []byte
	tag         uint64
	redelivered bool
}

func newMemQueue(bodies ...[]byte) *memQueue {
	q := &memQueue{ch: make(chan memMsg, 64)}
	for i, b := range bodies {
		q.ch <- memMsg{body: b, tag: uint64(i + 1)}
	}
	return q
}

func (q *memQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acks
}

// memConsumer is one worker's view of the queue. It fails the test if the
// worker ever requests a second delivery while one is still unacknowledged.
type memConsumer struct {
	q           *memQueue
	t           *testing.T
	mu          sync.Mutex
	outstanding bool
}

func (c *memConsumer) Next(ctx context.Context) (queue.Delivery, error) {
	c.mu.Lock()
	if c.outstanding {
		c.t.Error("worker requested a delivery while holding an unacknowledged one")
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return queue.Delivery{}, ctx.Err()
	case m := <-c.q.ch:
		c.mu.Lock()
		c.outstanding = true
		c.mu.Unlock()

		settle := func() {
			c.mu.Lock()
			c.outstanding = false
			c.mu.Unlock()
		}
		return queue.NewDelivery(m.body, m.tag, m.redelivered,
			func() error {
				settle()
				c.q.mu.Lock()
				c.q.acks++
				c.q.mu.Unlock()
				return nil
			},
			func(requeue bool) error {
				settle()
				if requeue {
					c.q.ch <- memMsg{body: m.body, tag: m.tag, redelivered: true}
				}
				return nil
			}), nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRun_TransientTwiceThenSuccessAcksOnce(t *testing.T) {
	item, body := encodedItem(t)
	q := newMemQueue(body)

	// One engine attempt per delivery, so each transient failure goes back
	// through the broker.
	cfg := fastConfig()
	cfg.ASRRetry.MaxAttempts = 1

	asr := &scriptedASR{script: func(call int, _ string) (string, error) {
		if call <= 2 {
			return "", fault.Transient("engine warming up", nil)
		}
		return "transcript", nil
	}}
	sink := newMemorySink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &memConsumer{q: q, t: t}
	w := New(consumer, asr, sink, nil, cfg, logger.NewDefault("test"))

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return q.ackCount() == 1 })
	cancel()
	<-done

	if asr.callCount() != 3 {
		t.Errorf("expected 3 engine invocations, got %d", asr.callCount())
	}
	stored := sink.stored()
	if len(stored) != 1 || stored[0].JobID != item.JobID || stored[0].Status != job.StatusSuccess {
		t.Errorf("expected exactly one successful result, got %v", stored)
	}
}

func TestRun_TwoWorkersThreeObjects(t *testing.T) {
	bodies := make([][]byte, 0, 3)
	ids := map[string]bool{}
	for _, name := range []string{"a.wav", "b.wav", "c.wav"} {
		item := job.NewWorkItem("https://bucket.s3.amazonaws.com/"+name+"?sig=abc", time.Hour)
		body, err := item.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		bodies = append(bodies, body)
		ids[item.JobID] = true
	}
	q := newMemQueue(bodies...)

	asr := &scriptedASR{script: func(_ int, ref string) (string, error) {
		return "transcript of " + ref, nil
	}}
	sink := newMemorySink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		consumer := &memConsumer{q: q, t: t}
		w := New(consumer, asr, sink, nil, fastConfig(), logger.NewDefault("test"))
		go func() {
			_ = w.Run(ctx)
			done <- struct{}{}
		}()
	}

	waitFor(t, func() bool { return q.ackCount() == 3 })
	cancel()
	<-done
	<-done

	stored := sink.stored()
	if len(stored) != 3 {
		t.Fatalf("expected 3 distinct transcripts, got %d", len(stored))
	}
	for _, r := range stored {
		if !ids[r.JobID] {
			t.Errorf("unexpected result for job %s", r.JobID)
		}
		if r.Status != job.StatusSuccess {
			t.Errorf("expected success for job %s, got %s", r.JobID, r.Status)
		}
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	q := newMemQueue()
	consumer := &memConsumer{q: q, t: t}
	w := New(consumer, &scriptedASR{script: func(int, string) (string, error) { return "", nil }},
		newMemorySink(), nil, fastConfig(), logger.NewDefault("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}
