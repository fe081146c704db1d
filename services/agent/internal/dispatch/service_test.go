package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"mirage/pkg/queue"
)

type stubServer struct {
	listenErr error
	stopped   chan struct{}
	shutdowns int
}

func newStubServer() *stubServer {
	return &stubServer{stopped: make(chan struct{})}
}

func (s *stubServer) ListenAndServe() error {
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.stopped
	return http.ErrServerClosed
}

func (s *stubServer) Shutdown(context.Context) error {
	s.shutdowns++
	close(s.stopped)
	return nil
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	srv := newStubServer()
	svc := NewHTTPService(srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("service did not stop")
	}
	if srv.shutdowns != 1 {
		t.Fatalf("expected one shutdown, got %d", srv.shutdowns)
	}
}

func TestHTTPServiceReportsListenFailure(t *testing.T) {
	srv := newStubServer()
	srv.listenErr = errors.New("address in use")
	err := NewHTTPService(srv, time.Second).Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Fatalf("expected listen error, got %v", err)
	}
}

type stubRunner struct {
	concurrency int
}

func (s *stubRunner) Run(ctx context.Context, concurrency int, _ queue.Handler) error {
	s.concurrency = concurrency
	<-ctx.Done()
	return ctx.Err()
}

func TestConsumerServiceDelegates(t *testing.T) {
	runner := &stubRunner{}
	svc := NewConsumerService(runner, 3, func(context.Context, queue.JobStatus) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if runner.concurrency != 3 || svc.String() != "agent-consumers(3)" {
		t.Fatalf("unexpected delegation: %d %s", runner.concurrency, svc.String())
	}
}
