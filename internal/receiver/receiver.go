// Package receiver is a development stand-in for the downstream transcript
// consumer. It accepts results over HTTP, deduplicates them by job ID and
// keeps a bounded window of recent deliveries for inspection.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/batchscribe/batchscribe/internal/job"
	"github.com/batchscribe/batchscribe/internal/logger"
)

const (
	defaultPort     = 8080
	defaultCapacity = 1024
)

// Config holds configuration for the transcript receiver.
type Config struct {
	// Host is the listen interface. Empty binds all interfaces.
	Host string `mapstructure:"host" json:"host"`
	// Port is the listen port.
	Port int `mapstructure:"port" json:"port"`
	// Token, when set, requires a matching bearer token on every request.
	Token string `mapstructure:"token" json:"token"`
	// Capacity bounds the number of retained results.
	Capacity int `mapstructure:"capacity" json:"capacity"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
}

// Validate checks that the receiver configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("receiver: port must be in [1, 65535] (got: %d)", c.Port)
	}
	return nil
}

// Server accepts transcript results over HTTP.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	store      *store
	cfg        Config
	log        *logger.Logger
}

// New creates a receiver server. Routes and middleware are registered
// immediately; Start binds the port.
func New(cfg Config, log *logger.Logger) *Server {
	cfg.ApplyDefaults()

	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine: gin.New(),
		store:  newStore(cfg.Capacity),
		cfg:    cfg,
		log:    log.WithComponent("receiver"),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.engine.Use(s.recovery())
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := s.engine.Group("/", s.bearerAuth())
	authed.POST("/transcripts", s.postTranscript)
	authed.GET("/transcripts", s.listTranscripts)
	authed.GET("/transcripts/:jobID", s.getTranscript)

	return s
}

// Handler exposes the HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listen port and serves in a goroutine. It returns once the
// listener is bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("receiver: bind %s: %w", s.httpServer.Addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", logger.Fields("error", err.Error()))
		}
	}()

	s.log.Info("receiver listening", logger.Fields("addr", s.httpServer.Addr))
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("receiver: shutdown: %w", err)
	}
	s.log.Info("receiver stopped")
	return nil
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic recovered", logger.Fields(
					"error", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
					"path", c.Request.URL.Path,
				))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// bearerAuth enforces the static token when one is configured.
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.cfg.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing bearer token",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) postTranscript(c *gin.Context) {
	var result job.TranscriptResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed result payload"})
		return
	}
	if result.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id is required"})
		return
	}
	if result.Status != job.StatusSuccess && result.Status != job.StatusFailure {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be success or failure"})
		return
	}

	if !s.store.Put(result) {
		// Workers deliver at least once; a duplicate is not an error on
		// their side, just nothing new on ours.
		c.JSON(http.StatusConflict, gin.H{"job_id": result.JobID, "duplicate": true})
		return
	}

	s.log.Info("transcript received", logger.Fields(
		logger.FieldJobID, result.JobID,
		"status", string(result.Status),
	))
	c.JSON(http.StatusCreated, gin.H{"job_id": result.JobID})
}

func (s *Server) listTranscripts(c *gin.Context) {
	results := s.store.List()
	c.JSON(http.StatusOK, gin.H{"count": len(results), "results": results})
}

func (s *Server) getTranscript(c *gin.Context) {
	result, ok := s.store.Get(c.Param("jobID"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job id"})
		return
	}
	c.JSON(http.StatusOK, result)
}
