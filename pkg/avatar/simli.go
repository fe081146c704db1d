// Package avatar starts lip-synced avatar sessions with Simli. The worker
// treats every failure here as non-fatal.
package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the Simli REST endpoint.
const DefaultBaseURL = "https://api.simli.ai"

// DefaultFaceID is Simli's stock face.
const DefaultFaceID = "tmp9i8bbq7c"

// Config configures the Simli client.
type Config struct {
	APIKey  string
	FaceID  string
	BaseURL string
	// MaxSessionLength and MaxIdleTime are enforced by Simli.
	MaxSessionLength time.Duration
	MaxIdleTime      time.Duration
	HTTPClient       *http.Client
}

// Session is a started avatar session.
type Session struct {
	Token  string
	FaceID string
}

// APIError represents a Simli error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("simli: %d %s", e.Status, e.Message)
}

// SimliClient calls the Simli REST API.
type SimliClient struct {
	apiKey           string
	faceID           string
	baseURL          string
	maxSessionLength time.Duration
	maxIdleTime      time.Duration
	httpClient       *http.Client
}

// NewSimliClient validates cfg and builds a client.
func NewSimliClient(cfg Config) (*SimliClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("simli api key required")
	}
	faceID := strings.TrimSpace(cfg.FaceID)
	if faceID == "" {
		faceID = DefaultFaceID
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cfg.MaxSessionLength <= 0 {
		cfg.MaxSessionLength = time.Hour
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 5 * time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SimliClient{
		apiKey:           apiKey,
		faceID:           faceID,
		baseURL:          baseURL,
		maxSessionLength: cfg.MaxSessionLength,
		maxIdleTime:      cfg.MaxIdleTime,
		httpClient:       httpClient,
	}, nil
}

// StartSession opens an audio-to-video session for the configured face.
func (c *SimliClient) StartSession(ctx context.Context) (Session, error) {
	payload := startSessionRequest{
		FaceID:           c.faceID,
		APIKey:           c.apiKey,
		IsJPG:            true,
		SyncAudio:        true,
		HandleSilence:    true,
		MaxSessionLength: int(c.maxSessionLength.Seconds()),
		MaxIdleTime:      int(c.maxIdleTime.Seconds()),
	}
	var resp startSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/startAudioToVideoSession", payload, &resp); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(resp.SessionToken) == "" {
		return Session{}, errors.New("simli: empty session token")
	}
	return Session{Token: resp.SessionToken, FaceID: c.faceID}, nil
}

// JoinRoom hands a started session to Simli's LiveKit bridge. The avatar
// joins with token and publishes video and audio on the agent's behalf.
func (c *SimliClient) JoinRoom(ctx context.Context, sess Session, livekitURL, token string) error {
	if strings.TrimSpace(sess.Token) == "" {
		return errors.New("simli: session token required")
	}
	if strings.TrimSpace(livekitURL) == "" || strings.TrimSpace(token) == "" {
		return errors.New("simli: livekit url and token required")
	}
	payload := joinRoomRequest{
		SessionToken: sess.Token,
		LiveKitToken: token,
		LiveKitURL:   livekitURL,
	}
	return c.doJSON(ctx, http.MethodPost, "/StartLivekitAgentsSession", payload, nil)
}

type joinRoomRequest struct {
	SessionToken string `json:"session_token"`
	LiveKitToken string `json:"livekit_token"`
	LiveKitURL   string `json:"livekit_url"`
}

type startSessionRequest struct {
	FaceID           string `json:"faceId"`
	APIKey           string `json:"apiKey"`
	IsJPG            bool   `json:"isJPG"`
	SyncAudio        bool   `json:"syncAudio"`
	HandleSilence    bool   `json:"handleSilence"`
	MaxSessionLength int    `json:"maxSessionLength"`
	MaxIdleTime      int    `json:"maxIdleTime"`
}

type startSessionResponse struct {
	SessionToken string `json:"session_token"`
}

func (c *SimliClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Detail
		if msg == "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
