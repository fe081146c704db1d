package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mirage/pkg/queue"
)

// HTTPServer is the lifecycle subset of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs the webhook server under a supervisor.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve blocks until ctx is cancelled or the server fails.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("webhook server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return "webhook-server" }

// JobRunner consumes the agent job stream.
type JobRunner interface {
	Run(ctx context.Context, concurrency int, handler queue.Handler) error
}

// ConsumerService runs queue consumers under a supervisor.
type ConsumerService struct {
	jobs        JobRunner
	concurrency int
	handler     queue.Handler
}

// NewConsumerService wraps jobs.
func NewConsumerService(jobs JobRunner, concurrency int, handler queue.Handler) *ConsumerService {
	return &ConsumerService{jobs: jobs, concurrency: concurrency, handler: handler}
}

// Serve blocks until ctx is cancelled or the queue fails.
func (s *ConsumerService) Serve(ctx context.Context) error {
	return s.jobs.Run(ctx, s.concurrency, s.handler)
}

func (s *ConsumerService) String() string {
	return fmt.Sprintf("agent-consumers(%d)", s.concurrency)
}
