// Package room connects agents to LiveKit rooms: participant audio goes up to
// the realtime model and model speech is played back as a track or through
// an avatar.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	protologger "github.com/livekit/protocol/logger"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"

	"mirage/pkg/avatar"
	"mirage/services/agent/internal/worker"
)

const (
	// AgentIdentity is the participant identity of the agent.
	AgentIdentity = "agent-mirage"
	// AvatarIdentity is the participant identity of the avatar bridge.
	AvatarIdentity = "agent-simli"

	agentIdentityPrefix = "agent-"
	publishOnBehalfAttr = "lk.publish_on_behalf"
	agentTrackName      = "agent-voice"
)

func isAgentIdentity(identity string) bool {
	return strings.HasPrefix(identity, agentIdentityPrefix)
}

// AvatarAttacher hands a started avatar session to the room.
type AvatarAttacher interface {
	JoinRoom(ctx context.Context, sess avatar.Session, livekitURL, token string) error
}

// Config configures a Connector.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	// Avatars is optional. Without it, or when attaching fails, the agent
	// publishes its own audio track.
	Avatars AvatarAttacher
	// AvatarJoinTimeout bounds the wait for the avatar participant.
	AvatarJoinTimeout time.Duration
	// TokenTTL bounds agent and avatar room tokens.
	TokenTTL time.Duration
}

// Connector joins LiveKit rooms on behalf of the worker.
type Connector struct {
	url               string
	apiKey            string
	apiSecret         string
	avatars           AvatarAttacher
	avatarJoinTimeout time.Duration
	tokenTTL          time.Duration
}

// NewConnector validates cfg.
func NewConnector(cfg Config) (*Connector, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("livekit url required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("livekit api key and secret required")
	}
	if cfg.AvatarJoinTimeout <= 0 {
		cfg.AvatarJoinTimeout = 15 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 6 * time.Hour
	}
	return &Connector{
		url:               url,
		apiKey:            cfg.APIKey,
		apiSecret:         cfg.APISecret,
		avatars:           cfg.Avatars,
		avatarJoinTimeout: cfg.AvatarJoinTimeout,
		tokenTTL:          cfg.TokenTTL,
	}, nil
}

// Join connects the agent to the job's room. Audio from the job's participant
// is sent to uplink; the returned media plays model speech.
func (c *Connector) Join(ctx context.Context, jc worker.JobContext, uplink worker.AudioUplink) (worker.RoomMedia, error) {
	logger := slog.With("room", jc.Job.Room, "identity", AgentIdentity)
	token, err := c.agentToken(jc.Job.Room, jc.Personality.Name)
	if err != nil {
		return nil, err
	}

	conn := &connection{
		target:       jc.Job.ParticipantIdentity,
		uplink:       &uplinkWriter{send: uplink.SendAudio, logger: logger},
		logger:       logger,
		done:         make(chan struct{}),
		avatarJoined: make(chan struct{}),
	}
	callbacks := &lksdk.RoomCallback{
		OnDisconnected:         conn.disconnected,
		OnParticipantConnected: conn.participantConnected,
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: conn.trackSubscribed,
		},
	}
	lkRoom, err := lksdk.ConnectToRoomWithToken(c.url, token, callbacks)
	if err != nil {
		return nil, fmt.Errorf("connect to room %s: %w", jc.Job.Room, err)
	}
	conn.room = lkRoom

	if jc.Avatar != nil && c.avatars != nil {
		out, err := c.attachAvatar(ctx, jc, conn)
		if err == nil {
			conn.out = out
			logger.Info("avatar attached", "avatar_identity", AvatarIdentity)
			return conn, nil
		}
		logger.Warn("avatar attach failed; publishing agent audio", "err", err)
	}
	out, err := publishTrack(lkRoom)
	if err != nil {
		lkRoom.Disconnect()
		return nil, err
	}
	conn.out = out
	return conn, nil
}

func (c *Connector) agentToken(room, name string) (string, error) {
	if name == "" {
		name = "Mirage"
	}
	grant := &lkauth.VideoGrant{RoomJoin: true, Room: room}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(true)
	at := lkauth.NewAccessToken(c.apiKey, c.apiSecret)
	at.SetVideoGrant(grant).
		SetIdentity(AgentIdentity).
		SetName(name).
		SetKind(livekit.ParticipantInfo_AGENT).
		SetValidFor(c.tokenTTL)
	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign agent token: %w", err)
	}
	return token, nil
}

// avatarToken lets the avatar join and publish on the agent's behalf.
func (c *Connector) avatarToken(room string) (string, error) {
	grant := &lkauth.VideoGrant{RoomJoin: true, Room: room}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	at := lkauth.NewAccessToken(c.apiKey, c.apiSecret)
	at.SetVideoGrant(grant).
		SetIdentity(AvatarIdentity).
		SetName("Avatar").
		SetKind(livekit.ParticipantInfo_AGENT).
		SetAttributes(map[string]string{publishOnBehalfAttr: AgentIdentity}).
		SetValidFor(c.tokenTTL)
	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign avatar token: %w", err)
	}
	return token, nil
}

func (c *Connector) attachAvatar(ctx context.Context, jc worker.JobContext, conn *connection) (audioOutput, error) {
	token, err := c.avatarToken(jc.Job.Room)
	if err != nil {
		return nil, err
	}
	if err := c.avatars.JoinRoom(ctx, *jc.Avatar, c.url, token); err != nil {
		return nil, fmt.Errorf("avatar join: %w", err)
	}
	timer := time.NewTimer(c.avatarJoinTimeout)
	defer timer.Stop()
	select {
	case <-conn.avatarJoined:
	case <-timer.C:
		return nil, fmt.Errorf("avatar did not join within %s", c.avatarJoinTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &streamOutput{
		streams: lkStreams{lp: conn.room.LocalParticipant},
		dest:    AvatarIdentity,
		logger:  conn.logger,
	}, nil
}

func publishTrack(lkRoom *lksdk.Room) (*trackOutput, error) {
	track, err := lkmedia.NewPCMLocalTrack(modelSampleRate, 1, protologger.GetLogger())
	if err != nil {
		return nil, fmt.Errorf("create agent track: %w", err)
	}
	_, err = lkRoom.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   agentTrackName,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		track.Close()
		return nil, fmt.Errorf("publish agent track: %w", err)
	}
	return &trackOutput{track: track, stop: func() { track.Close() }}, nil
}

// connection is one agent's presence in a room.
type connection struct {
	room   *lksdk.Room
	out    audioOutput
	target string
	uplink *uplinkWriter
	logger *slog.Logger

	mu     sync.Mutex
	remote *lkmedia.PCMRemoteTrack

	done         chan struct{}
	doneOnce     sync.Once
	avatarJoined chan struct{}
	avatarOnce   sync.Once
	closeOnce    sync.Once
}

func (c *connection) WriteAudio(pcm []byte, mimeType string) error {
	return c.out.write(decodePCM16(pcm), sampleRate(mimeType, modelSampleRate))
}

func (c *connection) EndTurn(interrupted bool) {
	c.out.endTurn(interrupted)
}

func (c *connection) Done() <-chan struct{} {
	return c.done
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.remote != nil {
			c.remote.Close()
			c.remote = nil
		}
		c.mu.Unlock()
		c.out.close()
		c.room.Disconnect()
	})
	return nil
}

func (c *connection) disconnected() {
	c.logger.Info("disconnected from room")
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *connection) participantConnected(rp *lksdk.RemoteParticipant) {
	if rp.Identity() == AvatarIdentity {
		c.avatarOnce.Do(func() { close(c.avatarJoined) })
	}
}

// trackSubscribed routes the listened participant's microphone to the model.
// A newer track replaces the previous one.
func (c *connection) trackSubscribed(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio || !listensTo(rp.Identity(), c.target) {
		return
	}
	remote, err := lkmedia.NewPCMRemoteTrack(track, c.uplink, lkmedia.WithTargetSampleRate(uplinkSampleRate))
	if err != nil {
		c.logger.Warn("subscribe participant audio failed", "participant", rp.Identity(), "err", err)
		return
	}
	c.mu.Lock()
	prev := c.remote
	c.remote = remote
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	c.logger.Info("listening to participant", "participant", rp.Identity())
}

// lkStreams sends avatar audio as LiveKit byte streams.
type lkStreams struct {
	lp *lksdk.LocalParticipant
}

func (s lkStreams) openSegment(dest string, attrs map[string]string) segment {
	return lkSegment{w: s.lp.StreamBytes(lksdk.StreamBytesOptions{
		Topic:                 audioStreamTopic,
		DestinationIdentities: []string{dest},
		Attributes:            attrs,
	})}
}

func (s lkStreams) clearBuffer(dest string) error {
	_, err := s.lp.PerformRpc(lksdk.PerformRpcParams{
		DestinationIdentity: dest,
		Method:              clearBufferMethod,
	})
	return err
}

type lkSegment struct {
	w *lksdk.ByteStreamWriter
}

func (s lkSegment) write(b []byte) { s.w.Write(b, nil) }

func (s lkSegment) close() { s.w.Close() }
