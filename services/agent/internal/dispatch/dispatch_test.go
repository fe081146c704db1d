package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/redis/go-redis/v9"

	"mirage/pkg/queue"
)

const (
	testKey    = "APIkey"
	testSecret = "a-very-long-livekit-api-secret-for-tests"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.RoomJob
}

func (f *fakeQueue) Enqueue(_ context.Context, job queue.RoomJob) (queue.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return queue.JobStatus{ID: "job-1", Job: job, Status: queue.StatusQueued}, nil
}

type fakeRooms struct {
	cancelled []string
}

func (f *fakeRooms) CancelRoom(room string) bool {
	f.cancelled = append(f.cancelled, room)
	return true
}

func newHandler(t *testing.T, q Enqueuer, rooms RoomCanceller) *Handler {
	t.Helper()
	h, err := New(Config{APIKey: testKey, APISecret: testSecret, Queue: q, Rooms: rooms})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func TestParticipantJoinedEnqueuesJob(t *testing.T) {
	q := &fakeQueue{}
	h := newHandler(t, q, nil)
	err := h.HandleEvent(context.Background(), &livekit.WebhookEvent{
		Event:       "participant_joined",
		Room:        &livekit.Room{Name: "mirage_abc", Metadata: `{"agent_type":"coach"}`},
		Participant: &livekit.ParticipantInfo{Identity: "user-1", Metadata: `{"session_id":"s1"}`},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(q.jobs))
	}
	job := q.jobs[0]
	if job.Room != "mirage_abc" || job.RoomMetadata != `{"agent_type":"coach"}` || job.ParticipantIdentity != "user-1" || job.ParticipantMetadata != `{"session_id":"s1"}` {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestAgentParticipantIgnored(t *testing.T) {
	q := &fakeQueue{}
	h := newHandler(t, q, nil)
	events := []*livekit.WebhookEvent{
		{
			Event:       "participant_joined",
			Room:        &livekit.Room{Name: "r"},
			Participant: &livekit.ParticipantInfo{Identity: "worker", Kind: livekit.ParticipantInfo_AGENT},
		},
		{
			Event:       "participant_joined",
			Room:        &livekit.Room{Name: "r"},
			Participant: &livekit.ParticipantInfo{Identity: "agent-xyz"},
		},
		{Event: "track_published", Room: &livekit.Room{Name: "r"}},
	}
	for _, ev := range events {
		if err := h.HandleEvent(context.Background(), ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if len(q.jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(q.jobs))
	}
}

func TestRoomFinishedCancelsRunningJob(t *testing.T) {
	rooms := &fakeRooms{}
	h := newHandler(t, &fakeQueue{}, rooms)
	if err := h.HandleEvent(context.Background(), &livekit.WebhookEvent{
		Event: "room_finished",
		Room:  &livekit.Room{Name: "mirage_abc"},
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rooms.cancelled) != 1 || rooms.cancelled[0] != "mirage_abc" {
		t.Fatalf("unexpected cancellations: %v", rooms.cancelled)
	}
}

func TestDuplicateJoinIsNotAnError(t *testing.T) {
	mr := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{Addr: mr.Addr(), Stream: "agent-jobs"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()
	h := newHandler(t, q, nil)
	ev := &livekit.WebhookEvent{
		Event:       "participant_joined",
		Room:        &livekit.Room{Name: "mirage_dup"},
		Participant: &livekit.ParticipantInfo{Identity: "user-1"},
	}
	for i := 0; i < 2; i++ {
		if err := h.HandleEvent(context.Background(), ev); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	n, err := client.XLen(context.Background(), "agent-jobs").Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one stream entry, got %d", n)
	}
}

func TestWebhookRejectsUnsignedRequest(t *testing.T) {
	q := &fakeQueue{}
	h := newHandler(t, q, nil)
	body := `{"event":"participant_joined","room":{"name":"r"},"participant":{"identity":"u"}}`
	req := httptest.NewRequest(http.MethodPost, "/livekit/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/webhook+json")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("expected no jobs from unsigned webhook")
	}
}

func TestWebhookAcceptsSignedRequest(t *testing.T) {
	q := &fakeQueue{}
	h := newHandler(t, q, nil)
	body := `{"event":"participant_joined","room":{"name":"mirage_signed"},"participant":{"identity":"user-2"}}`
	sum := sha256.Sum256([]byte(body))
	token, err := auth.NewAccessToken(testKey, testSecret).
		SetValidFor(time.Minute).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		ToJWT()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/livekit/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/webhook+json")
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(q.jobs) != 1 || q.jobs[0].Room != "mirage_signed" {
		t.Fatalf("unexpected jobs: %+v", q.jobs)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Queue: &fakeQueue{}}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
