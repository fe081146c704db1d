package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

func TestNewLiveClientRequiresKey(t *testing.T) {
	if _, err := NewLiveClient(context.Background(), "  ", ""); err == nil {
		t.Fatalf("expected missing api key to fail")
	}
}

func TestBuildLiveConnectConfig(t *testing.T) {
	cfg := buildLiveConnectConfig(LiveConfig{
		Instructions: "be nice",
		Voice:        "Kore",
		Transcribe:   true,
	})
	if len(cfg.ResponseModalities) != 1 || cfg.ResponseModalities[0] != genai.ModalityAudio {
		t.Fatalf("expected audio modality, got %v", cfg.ResponseModalities)
	}
	if cfg.SpeechConfig == nil || cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Fatalf("expected voice Kore, got %+v", cfg.SpeechConfig)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be nice" {
		t.Fatalf("expected system instruction, got %+v", cfg.SystemInstruction)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Fatalf("expected transcription enabled")
	}

	bare := buildLiveConnectConfig(LiveConfig{})
	if bare.SpeechConfig != nil || bare.SystemInstruction != nil || bare.InputAudioTranscription != nil {
		t.Fatalf("expected empty optional fields, got %+v", bare)
	}
}

func TestFlattenServerMessage(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{Data: []byte{1, 2}, MIMEType: "audio/pcm;rate=24000"}},
				nil,
				{InlineData: &genai.Blob{Data: []byte{3}, MIMEType: "audio/pcm;rate=24000"}},
				{Text: "hi"},
			}},
			TurnComplete:        true,
			OutputTranscription: &genai.Transcription{Text: "hello there"},
			InputTranscription:  &genai.Transcription{Text: "hey"},
		},
	}
	ev := flattenServerMessage(msg)
	if string(ev.Audio) != string([]byte{1, 2, 3}) {
		t.Fatalf("expected concatenated audio, got %v", ev.Audio)
	}
	if ev.AudioMIMEType != "audio/pcm;rate=24000" || ev.Text != "hi" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.TurnComplete || ev.OutputTranscript != "hello there" || ev.InputTranscript != "hey" {
		t.Fatalf("unexpected transcript fields: %+v", ev)
	}

	goAway := flattenServerMessage(&genai.LiveServerMessage{GoAway: &genai.LiveServerGoAway{}})
	if !goAway.GoAway || goAway.TurnComplete {
		t.Fatalf("unexpected go-away event: %+v", goAway)
	}
}

func TestNormalizeModel(t *testing.T) {
	if got := normalizeModel(" models/gemini-2.0-flash-exp "); got != "gemini-2.0-flash-exp" {
		t.Fatalf("expected prefix stripped, got %q", got)
	}
}

// liveServer upgrades one connection, drains the setup message, sends one
// turn-complete message and closes with code.
func liveServer(t *testing.T, code int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Errorf("read setup: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`)); err != nil {
			t.Errorf("write content: %v", err)
			return
		}
		msg := websocket.FormatCloseMessage(code, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Wait for the client to answer the close.
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialLive(t *testing.T, srv *httptest.Server) RealtimeSession {
	t.Helper()
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  "test-key",
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/",
			APIVersion: "v1beta",
		},
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	live := &LiveClient{client: client, model: DefaultLiveModel}
	sess, err := live.Connect(ctx, LiveConfig{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestReceiveMapsNormalCloseToSessionClosed(t *testing.T) {
	for _, code := range []int{websocket.CloseNormalClosure, websocket.CloseGoingAway} {
		sess := dialLive(t, liveServer(t, code))
		ev, err := sess.Receive()
		if err != nil || !ev.TurnComplete {
			t.Fatalf("expected turn complete event, got %+v %v", ev, err)
		}
		if _, err := sess.Receive(); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("close %d: expected ErrSessionClosed, got %v", code, err)
		}
	}
}

func TestReceiveKeepsAbnormalCloseAsError(t *testing.T) {
	sess := dialLive(t, liveServer(t, websocket.CloseInternalServerErr))
	if _, err := sess.Receive(); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	_, err := sess.Receive()
	if err == nil || errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected server error close to surface, got %v", err)
	}
}

func TestConcurrentSendsReachServer(t *testing.T) {
	const perKind = 20
	received := make(chan int, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Errorf("read setup: %v", err)
			return
		}
		n := 0
		for n < 2*perKind {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			n++
		}
		received <- n
	}))
	t.Cleanup(srv.Close)

	sess := dialLive(t, srv)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range perKind {
			if err := sess.SendAudio([]byte{0, 1}, ""); err != nil {
				t.Errorf("send audio: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range perKind {
			if err := sess.SendVideoFrame([]byte{0xff, 0xd8}); err != nil {
				t.Errorf("send frame: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	select {
	case n := <-received:
		if n != 2*perKind {
			t.Fatalf("expected %d messages, got %d", 2*perKind, n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not receive all messages")
	}
}
