package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStartSessionPostsFaceAndKey(t *testing.T) {
	var got startSessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/startAudioToVideoSession" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"session_token":"sess-123"}`))
	}))
	defer srv.Close()

	client, err := NewSimliClient(Config{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sess, err := client.StartSession(context.Background())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if sess.Token != "sess-123" || sess.FaceID != DefaultFaceID {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if got.APIKey != "key" || got.FaceID != DefaultFaceID || !got.IsJPG || got.MaxSessionLength != 3600 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestStartSessionReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid API key"}`))
	}))
	defer srv.Close()

	client, err := NewSimliClient(Config{APIKey: "bad", FaceID: "face", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.StartSession(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Invalid API key" {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestNewSimliClientRequiresKey(t *testing.T) {
	if _, err := NewSimliClient(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestJoinRoomHandsSessionToBridge(t *testing.T) {
	var got joinRoomRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/StartLivekitAgentsSession" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewSimliClient(Config{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = client.JoinRoom(context.Background(), Session{Token: "sess-123"}, "wss://mirage.livekit.cloud", "lk-token")
	if err != nil {
		t.Fatalf("join room: %v", err)
	}
	if got.SessionToken != "sess-123" || got.LiveKitToken != "lk-token" || got.LiveKitURL != "wss://mirage.livekit.cloud" {
		t.Fatalf("unexpected payload: %+v", got)
	}

	if err := client.JoinRoom(context.Background(), Session{}, "wss://x", "t"); err == nil {
		t.Fatalf("expected missing session token to fail")
	}
}
