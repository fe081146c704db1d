package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// DefaultLiveModel is the realtime model used when none is configured.
const DefaultLiveModel = "gemini-2.0-flash-exp"

// ErrSessionClosed is returned by Receive after the model ends the session.
var ErrSessionClosed = errors.New("realtime session closed")

// LiveConfig configures one realtime model session.
type LiveConfig struct {
	Model        string
	Instructions string
	Voice        string
	// Transcribe enables input and output audio transcription.
	Transcribe bool
}

// LiveEvent is one server message flattened to what the worker consumes.
type LiveEvent struct {
	Audio            []byte
	AudioMIMEType    string
	Text             string
	InputTranscript  string
	OutputTranscript string
	TurnComplete     bool
	Interrupted      bool
	GoAway           bool
}

// RealtimeSession is an open bidirectional model session.
type RealtimeSession interface {
	SendText(text string) error
	SendAudio(pcm []byte, mimeType string) error
	SendVideoFrame(jpeg []byte) error
	Receive() (LiveEvent, error)
	Close() error
}

// LiveClient opens Gemini Live sessions.
type LiveClient struct {
	client *genai.Client
	model  string
}

// NewLiveClient constructs a client with the provided API key.
func NewLiveClient(ctx context.Context, apiKey, model string) (*LiveClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model = normalizeModel(model)
	if model == "" {
		model = DefaultLiveModel
	}
	return &LiveClient{client: client, model: model}, nil
}

// Connect opens a realtime session with audio responses.
func (c *LiveClient) Connect(ctx context.Context, cfg LiveConfig) (RealtimeSession, error) {
	model := normalizeModel(cfg.Model)
	if model == "" {
		model = c.model
	}
	session, err := c.client.Live.Connect(ctx, model, buildLiveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	return &liveSession{session: session}, nil
}

func buildLiveConnectConfig(cfg LiveConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if voice := strings.TrimSpace(cfg.Voice); voice != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if strings.TrimSpace(cfg.Instructions) != "" {
		out.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Transcribe {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

// liveSession serializes sends; the underlying websocket allows one writer.
type liveSession struct {
	session *genai.Session
	mu      sync.Mutex
}

func (s *liveSession) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

func (s *liveSession) SendAudio(pcm []byte, mimeType string) error {
	if mimeType == "" {
		mimeType = "audio/pcm;rate=16000"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: mimeType},
	})
}

func (s *liveSession) SendVideoFrame(jpeg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Video: &genai.Blob{Data: jpeg, MIMEType: "image/jpeg"},
	})
}

func (s *liveSession) Receive() (LiveEvent, error) {
	msg, err := s.session.Receive()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return LiveEvent{}, ErrSessionClosed
	}
	if err != nil {
		return LiveEvent{}, err
	}
	if msg == nil {
		return LiveEvent{}, ErrSessionClosed
	}
	return flattenServerMessage(msg), nil
}

func (s *liveSession) Close() error {
	return s.session.Close()
}

func flattenServerMessage(msg *genai.LiveServerMessage) LiveEvent {
	var ev LiveEvent
	if msg.GoAway != nil {
		ev.GoAway = true
	}
	sc := msg.ServerContent
	if sc == nil {
		return ev
	}
	ev.TurnComplete = sc.TurnComplete
	ev.Interrupted = sc.Interrupted
	if sc.InputTranscription != nil {
		ev.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		ev.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn == nil {
		return ev
	}
	var text strings.Builder
	for _, p := range sc.ModelTurn.Parts {
		if p == nil {
			continue
		}
		if p.InlineData != nil && len(p.InlineData.Data) > 0 {
			ev.Audio = append(ev.Audio, p.InlineData.Data...)
			ev.AudioMIMEType = p.InlineData.MIMEType
		}
		text.WriteString(p.Text)
	}
	ev.Text = text.String()
	return ev
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}
