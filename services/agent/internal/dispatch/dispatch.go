// Package dispatch turns LiveKit webhooks into agent jobs.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"

	"mirage/internal/metrics"
	"mirage/internal/util"
	"mirage/pkg/queue"
)

// ServiceName labels request logs and metrics.
const ServiceName = "mirage-agent"

const (
	eventParticipantJoined = "participant_joined"
	eventRoomFinished      = "room_finished"
)

// Enqueuer accepts room jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.RoomJob) (queue.JobStatus, error)
}

// RoomCanceller stops the agent attached to a room in this process.
type RoomCanceller interface {
	CancelRoom(room string) bool
}

// Config wires a Handler.
type Config struct {
	APIKey    string
	APISecret string
	Queue     Enqueuer
	Rooms     RoomCanceller
}

// Handler serves the webhook endpoint.
type Handler struct {
	keys  auth.KeyProvider
	queue Enqueuer
	rooms RoomCanceller
	mux   *http.ServeMux
}

// New validates cfg and registers routes.
func New(cfg Config) (*Handler, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, errors.New("livekit api key and secret required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue required")
	}
	h := &Handler{
		keys:  auth.NewSimpleKeyProvider(cfg.APIKey, cfg.APISecret),
		queue: cfg.Queue,
		rooms: cfg.Rooms,
		mux:   http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /livekit/webhook", h.handleWebhook)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.Handle("GET /metrics", metrics.Handler())
	return h, nil
}

// Router returns the HTTP handler with middleware.
func (h *Handler) Router() http.Handler {
	var next http.Handler = h.mux
	next = util.WithRecover(next)
	next = util.WithRequestLog(ServiceName, next)
	return util.WithRequestID(next)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": ServiceName})
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := webhook.ReceiveWebhookEvent(r, h.keys)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("rejected livekit webhook", "err", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid webhook signature"})
		return
	}
	if err := h.HandleEvent(r.Context(), event); err != nil {
		util.LoggerFromContext(r.Context()).Error("webhook handling failed", "event", event.GetEvent(), "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleEvent reacts to one verified webhook event. Events the worker does not
// care about are ignored.
func (h *Handler) HandleEvent(ctx context.Context, event *livekit.WebhookEvent) error {
	room := event.GetRoom()
	switch event.GetEvent() {
	case eventParticipantJoined:
		p := event.GetParticipant()
		if p == nil || room.GetName() == "" || isAgent(p) {
			return nil
		}
		job, err := h.queue.Enqueue(ctx, queue.RoomJob{
			Room:                room.GetName(),
			RoomMetadata:        room.GetMetadata(),
			ParticipantIdentity: p.GetIdentity(),
			ParticipantMetadata: p.GetMetadata(),
		})
		if errors.Is(err, queue.ErrDuplicate) {
			slog.Debug("room already has an agent job", "room", room.GetName())
			return nil
		}
		if err != nil {
			return err
		}
		slog.Info("agent job queued", "room", room.GetName(), "job_id", job.ID, "participant", p.GetIdentity())
	case eventRoomFinished:
		if h.rooms != nil && h.rooms.CancelRoom(room.GetName()) {
			slog.Info("room finished; cancelled agent", "room", room.GetName())
		}
	}
	return nil
}

func isAgent(p *livekit.ParticipantInfo) bool {
	if p.GetKind() == livekit.ParticipantInfo_AGENT {
		return true
	}
	return strings.HasPrefix(p.GetIdentity(), "agent-")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
