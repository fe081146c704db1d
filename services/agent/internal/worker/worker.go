// Package worker runs one realtime agent per LiveKit room job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mirage/internal/metrics"
	"mirage/pkg/ai"
	"mirage/pkg/avatar"
	"mirage/pkg/domain"
	"mirage/pkg/personality"
	"mirage/pkg/queue"
)

// ScreenShareGreeting opens screen-share sessions.
const ScreenShareGreeting = "Greet the user and offer your assistance. You should start by speaking in English."

var (
	errRoomFinished = errors.New("room finished")
	errRoomLeft     = errors.New("disconnected from room")
	errSessionEnded = errors.New("model session ended")
)

// Realtime opens model sessions.
type Realtime interface {
	Connect(ctx context.Context, cfg ai.LiveConfig) (ai.RealtimeSession, error)
}

// AvatarStarter starts lip-synced avatar sessions.
type AvatarStarter interface {
	StartSession(ctx context.Context) (avatar.Session, error)
}

// AudioUplink receives participant audio for the model.
type AudioUplink interface {
	SendAudio(pcm []byte, mimeType string) error
}

// RoomMedia is the agent's presence in a LiveKit room.
type RoomMedia interface {
	// WriteAudio plays model audio into the room.
	WriteAudio(pcm []byte, mimeType string) error
	// EndTurn marks the end of a model turn. Interrupted turns drop queued audio.
	EndTurn(interrupted bool)
	// Done is closed once the agent is disconnected from the room.
	Done() <-chan struct{}
	Close() error
}

// RoomJoiner connects the agent to a job's room and routes participant
// audio to uplink.
type RoomJoiner interface {
	Join(ctx context.Context, jc JobContext, uplink AudioUplink) (RoomMedia, error)
}

// Recorder persists transcript turns.
type Recorder interface {
	CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	TouchSession(ctx context.Context, id string) error
}

// JobContext is what a room joiner knows about a running job.
type JobContext struct {
	Job         queue.RoomJob
	Metadata    domain.RoomMetadata
	Personality personality.Personality
	// Avatar is nil when no avatar session was started.
	Avatar *avatar.Session
}

// Config wires a Worker.
type Config struct {
	Realtime Realtime
	Rooms    RoomJoiner
	Model    string
	// Avatar is optional.
	Avatar AvatarStarter
	// Recorder is optional; transcripts are dropped without it.
	Recorder Recorder
	// Screen enables the capture loop when set.
	Screen     FrameSource
	CaptureFPS int
	// MaxSession bounds one job; zero means no limit.
	MaxSession time.Duration
}

// Worker runs agent jobs and tracks which rooms it is attached to.
type Worker struct {
	realtime   Realtime
	rooms      RoomJoiner
	model      string
	avatar     AvatarStarter
	recorder   Recorder
	screen     FrameSource
	captureFPS int
	maxSession time.Duration

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New validates cfg.
func New(cfg Config) (*Worker, error) {
	if cfg.Realtime == nil {
		return nil, errors.New("realtime client required")
	}
	if cfg.Rooms == nil {
		return nil, errors.New("room joiner required")
	}
	return &Worker{
		realtime:   cfg.Realtime,
		rooms:      cfg.Rooms,
		model:      strings.TrimSpace(cfg.Model),
		avatar:     cfg.Avatar,
		recorder:   cfg.Recorder,
		screen:     cfg.Screen,
		captureFPS: cfg.CaptureFPS,
		maxSession: cfg.MaxSession,
		running:    make(map[string]context.CancelCauseFunc),
	}, nil
}

// Handle adapts Run to the queue consumer.
func (w *Worker) Handle(ctx context.Context, job queue.JobStatus) error {
	return w.Run(ctx, job.Job)
}

// CancelRoom stops the job attached to room. It reports whether one was running.
func (w *Worker) CancelRoom(room string) bool {
	w.mu.Lock()
	cancel, ok := w.running[room]
	w.mu.Unlock()
	if ok {
		cancel(errRoomFinished)
	}
	return ok
}

// Running reports whether a job is attached to room.
func (w *Worker) Running(room string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.running[room]
	return ok
}

func (w *Worker) track(room string, cancel context.CancelCauseFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.running[room]; ok {
		return fmt.Errorf("room %s already has a running agent", room)
	}
	w.running[room] = cancel
	return nil
}

func (w *Worker) untrack(room string) {
	w.mu.Lock()
	delete(w.running, room)
	w.mu.Unlock()
}

// Run attaches an agent to the job's room and blocks until the model session
// closes, the room finishes, the session limit elapses, or ctx is cancelled.
func (w *Worker) Run(ctx context.Context, job queue.RoomJob) error {
	md := jobMetadata(job)
	persona := personality.Resolve(md.AgentType)
	logger := slog.With("room", job.Room, "agent_type", persona.ID, "session_id", md.SessionID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := w.track(job.Room, cancel); err != nil {
		return err
	}
	defer w.untrack(job.Room)
	if w.maxSession > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, w.maxSession)
		defer stop()
	}

	metrics.AgentJobsRunning.Inc()
	defer metrics.AgentJobsRunning.Dec()
	outcome := "failed"
	defer func() { metrics.AgentJobs.WithLabelValues(persona.ID, outcome).Inc() }()

	session, err := w.realtime.Connect(runCtx, ai.LiveConfig{
		Model:        w.model,
		Instructions: persona.Instructions,
		Voice:        persona.VoiceName(),
		Transcribe:   true,
	})
	if err != nil {
		return fmt.Errorf("connect realtime model: %w", err)
	}
	defer session.Close()

	jc := JobContext{Job: job, Metadata: md, Personality: persona}
	if w.avatar != nil {
		av, err := w.avatar.StartSession(runCtx)
		if err != nil {
			logger.Warn("avatar start failed", "avatar_started", false, "err", err)
		} else {
			jc.Avatar = &av
			logger.Info("avatar started", "avatar_started", true, "face_id", av.FaceID)
		}
	}
	media, err := w.rooms.Join(runCtx, jc, session)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	defer media.Close()

	if err := session.SendText(w.greeting(persona)); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	logger.Info("agent joined room", "participant", job.ParticipantIdentity, "capture", w.screen != nil)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		<-gctx.Done()
		_ = session.Close()
		return nil
	})
	g.Go(func() error {
		return w.receiveLoop(gctx, session, media, md.SessionID, logger)
	})
	g.Go(func() error {
		select {
		case <-media.Done():
			return errRoomLeft
		case <-gctx.Done():
			return nil
		}
	})
	if w.screen != nil {
		g.Go(func() error {
			return CaptureLoop(gctx, w.screen, session, w.captureFPS)
		})
	}
	err = g.Wait()

	switch {
	case err != nil && !errors.Is(err, errSessionEnded) && !errors.Is(err, errRoomLeft):
		return err
	case ctx.Err() != nil:
		outcome = "cancelled"
		return ctx.Err()
	case errors.Is(context.Cause(runCtx), errRoomFinished):
		outcome = "cancelled"
		logger.Info("room finished; agent left")
		return nil
	case errors.Is(err, errRoomLeft):
		outcome = "completed"
		logger.Info("agent disconnected from room")
		return nil
	default:
		outcome = "completed"
		logger.Info("agent session ended")
		return nil
	}
}

func (w *Worker) greeting(p personality.Personality) string {
	if w.screen != nil {
		return ScreenShareGreeting
	}
	return fmt.Sprintf("Greet the user: '%s'", p.Greeting)
}

func (w *Worker) receiveLoop(ctx context.Context, session ai.RealtimeSession, media RoomMedia, sessionID string, logger *slog.Logger) error {
	var turn transcriptTurn
	for {
		ev, err := session.Receive()
		if err != nil {
			if ctx.Err() != nil {
				w.flush(context.WithoutCancel(ctx), sessionID, &turn, logger)
				return nil
			}
			if errors.Is(err, ai.ErrSessionClosed) {
				w.flush(ctx, sessionID, &turn, logger)
				return errSessionEnded
			}
			return fmt.Errorf("receive: %w", err)
		}
		if len(ev.Audio) > 0 {
			if err := media.WriteAudio(ev.Audio, ev.AudioMIMEType); err != nil {
				logger.Warn("room audio write failed", "err", err)
			}
		}
		turn.user.WriteString(ev.InputTranscript)
		turn.assistant.WriteString(ev.OutputTranscript)
		if ev.TurnComplete || ev.Interrupted {
			media.EndTurn(ev.Interrupted)
			w.flush(ctx, sessionID, &turn, logger)
		}
		if ev.GoAway {
			w.flush(ctx, sessionID, &turn, logger)
			return errSessionEnded
		}
	}
}

type transcriptTurn struct {
	user      strings.Builder
	assistant strings.Builder
}

// flush records the buffered turn as user then assistant messages.
func (w *Worker) flush(ctx context.Context, sessionID string, turn *transcriptTurn, logger *slog.Logger) {
	user := strings.TrimSpace(turn.user.String())
	assistant := strings.TrimSpace(turn.assistant.String())
	turn.user.Reset()
	turn.assistant.Reset()
	if w.recorder == nil || sessionID == "" {
		return
	}
	recorded := false
	for _, m := range []struct{ role, content string }{
		{domain.RoleUser, user},
		{domain.RoleAssistant, assistant},
	} {
		if m.content == "" {
			continue
		}
		_, err := w.recorder.CreateMessage(ctx, domain.Message{
			SessionID: sessionID,
			Role:      m.role,
			Content:   m.content,
			Metadata:  map[string]any{"source": "voice"},
		})
		if err != nil {
			logger.Warn("record transcript failed", "role", m.role, "err", err)
			continue
		}
		recorded = true
	}
	if recorded {
		if err := w.recorder.TouchSession(ctx, sessionID); err != nil {
			logger.Warn("touch session failed", "err", err)
		}
	}
}
