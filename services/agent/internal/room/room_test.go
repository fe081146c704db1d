package room

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/livekit/media-sdk"
	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
)

const (
	testAPIKey    = "APIkey123"
	testAPISecret = "livekit-secret-with-at-least-32-characters-long"
)

func TestSampleRateFromMIMEType(t *testing.T) {
	cases := map[string]int{
		"audio/pcm;rate=24000":  24000,
		"audio/pcm; rate=16000": 16000,
		"audio/pcm":             modelSampleRate,
		"audio/pcm;rate=abc":    modelSampleRate,
		"":                      modelSampleRate,
	}
	for in, want := range cases {
		if got := sampleRate(in, modelSampleRate); got != want {
			t.Fatalf("sampleRate(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestPCM16LittleEndian(t *testing.T) {
	raw := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x09}
	samples := decodePCM16(raw)
	if len(samples) != 3 || samples[0] != 1 || samples[1] != 32767 || samples[2] != -32768 {
		t.Fatalf("unexpected samples: %v", samples)
	}
	if got := encodePCM16(samples); string(got) != string(raw[:6]) {
		t.Fatalf("unexpected encoding: %v", got)
	}
}

func TestResample(t *testing.T) {
	in := media.PCM16Sample{0, 300, 600, 900, 1200, 1500}
	down := resample(in, 24000, 16000)
	if len(down) != 4 || down[0] != 0 || down[1] != 450 || down[2] != 900 || down[3] != 1350 {
		t.Fatalf("unexpected downsample: %v", down)
	}
	up := resample(media.PCM16Sample{0, 100}, 16000, 32000)
	if len(up) != 4 || up[1] != 50 || up[3] != 100 {
		t.Fatalf("unexpected upsample: %v", up)
	}
	if same := resample(in, 16000, 16000); len(same) != len(in) {
		t.Fatalf("expected identity at equal rates")
	}
}

func TestListensTo(t *testing.T) {
	cases := []struct {
		identity, target string
		want             bool
	}{
		{"user-1", "", true},
		{"user-1", "user-1", true},
		{"user-2", "user-1", false},
		{AvatarIdentity, "", false},
		{AgentIdentity, "", false},
	}
	for _, tc := range cases {
		if got := listensTo(tc.identity, tc.target); got != tc.want {
			t.Fatalf("listensTo(%q, %q) = %v", tc.identity, tc.target, got)
		}
	}
}

type fakeTrack struct {
	samples int
	cleared int
}

func (f *fakeTrack) WriteSample(s media.PCM16Sample) error {
	f.samples += len(s)
	return nil
}

func (f *fakeTrack) ClearQueue() { f.cleared++ }

func TestTrackOutputResamplesAndClearsOnInterrupt(t *testing.T) {
	track := &fakeTrack{}
	stopped := false
	out := &trackOutput{track: track, stop: func() { stopped = true }}

	if err := out.write(make(media.PCM16Sample, 160), 16000); err != nil {
		t.Fatalf("write: %v", err)
	}
	if track.samples != 240 {
		t.Fatalf("expected 16k audio resampled to 24k, got %d samples", track.samples)
	}
	out.endTurn(false)
	if track.cleared != 0 {
		t.Fatalf("expected completed turn to keep queued audio")
	}
	out.endTurn(true)
	if track.cleared != 1 {
		t.Fatalf("expected interrupted turn to clear queue")
	}
	out.close()
	if !stopped {
		t.Fatalf("expected track stopped")
	}
}

type fakeSegment struct {
	bytes  int
	closed bool
}

func (s *fakeSegment) write(b []byte) { s.bytes += len(b) }
func (s *fakeSegment) close()         { s.closed = true }

type fakeStreams struct {
	mu       sync.Mutex
	segments []*fakeSegment
	attrs    map[string]string
	dests    []string
	cleared  chan string
}

func (f *fakeStreams) openSegment(dest string, attrs map[string]string) segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	seg := &fakeSegment{}
	f.segments = append(f.segments, seg)
	f.attrs = attrs
	f.dests = append(f.dests, dest)
	return seg
}

func (f *fakeStreams) clearBuffer(dest string) error {
	f.cleared <- dest
	return errors.New("no handler")
}

func TestStreamOutputOneStreamPerTurn(t *testing.T) {
	streams := &fakeStreams{cleared: make(chan string, 1)}
	out := &streamOutput{streams: streams, dest: AvatarIdentity, logger: slog.Default()}

	// 240 samples at 24k become 160 samples at 16k.
	for range 2 {
		if err := out.write(make(media.PCM16Sample, 240), modelSampleRate); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	out.endTurn(false)
	if len(streams.segments) != 1 || streams.segments[0].bytes != 640 || !streams.segments[0].closed {
		t.Fatalf("unexpected first segment: %+v", streams.segments)
	}
	if streams.attrs["sample_rate"] != "16000" || streams.attrs["num_channels"] != "1" || streams.dests[0] != AvatarIdentity {
		t.Fatalf("unexpected stream header: %v %v", streams.attrs, streams.dests)
	}

	if err := out.write(make(media.PCM16Sample, 240), modelSampleRate); err != nil {
		t.Fatalf("write: %v", err)
	}
	out.endTurn(true)
	if len(streams.segments) != 2 || !streams.segments[1].closed {
		t.Fatalf("expected second turn in its own closed stream")
	}
	select {
	case dest := <-streams.cleared:
		if dest != AvatarIdentity {
			t.Fatalf("unexpected clear destination %q", dest)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected avatar buffer cleared on interrupt")
	}

	out.close()
	out.endTurn(false)
	if len(streams.segments) != 2 {
		t.Fatalf("expected no stream opened without audio")
	}
}

func TestUplinkWriterForwardsPCM(t *testing.T) {
	var gotMIME string
	var gotBytes int
	calls := 0
	w := &uplinkWriter{
		send: func(pcm []byte, mimeType string) error {
			calls++
			gotMIME, gotBytes = mimeType, len(pcm)
			if calls == 2 {
				return errors.New("session closed")
			}
			return nil
		},
		logger: slog.Default(),
	}
	if w.SampleRate() != 16000 {
		t.Fatalf("expected uplink at 16k, got %d", w.SampleRate())
	}
	if err := w.WriteSample(make(media.PCM16Sample, 320)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if gotMIME != "audio/pcm;rate=16000" || gotBytes != 640 {
		t.Fatalf("unexpected uplink: %q %d", gotMIME, gotBytes)
	}
	if err := w.WriteSample(make(media.PCM16Sample, 320)); err != nil {
		t.Fatalf("expected model errors kept off the track, got %v", err)
	}
	if err := w.WriteSample(nil); err != nil || calls != 2 {
		t.Fatalf("expected empty samples skipped, calls=%d err=%v", calls, err)
	}
}

func TestNewConnectorValidation(t *testing.T) {
	if _, err := NewConnector(Config{APIKey: testAPIKey, APISecret: testAPISecret}); err == nil {
		t.Fatalf("expected missing url to fail")
	}
	if _, err := NewConnector(Config{URL: "wss://mirage.livekit.cloud"}); err == nil {
		t.Fatalf("expected missing credentials to fail")
	}
	c, err := NewConnector(Config{URL: " wss://mirage.livekit.cloud ", APIKey: testAPIKey, APISecret: testAPISecret})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	if c.url != "wss://mirage.livekit.cloud" || c.avatarJoinTimeout != 15*time.Second || c.tokenTTL != 6*time.Hour {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func verifyToken(t *testing.T, token string) *lkauth.ClaimGrants {
	t.Helper()
	v, err := lkauth.ParseAPIToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if v.APIKey() != testAPIKey {
		t.Fatalf("unexpected api key %q", v.APIKey())
	}
	grants, err := v.Verify(testAPISecret)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	return grants
}

func TestAgentAndAvatarTokens(t *testing.T) {
	c, err := NewConnector(Config{URL: "wss://mirage.livekit.cloud", APIKey: testAPIKey, APISecret: testAPISecret})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}

	token, err := c.agentToken("mirage_room", "")
	if err != nil {
		t.Fatalf("agent token: %v", err)
	}
	grants := verifyToken(t, token)
	if grants.Identity != AgentIdentity || grants.Name != "Mirage" || grants.GetParticipantKind() != livekit.ParticipantInfo_AGENT {
		t.Fatalf("unexpected agent claims: %+v", grants)
	}
	if !grants.Video.RoomJoin || grants.Video.Room != "mirage_room" || !grants.Video.GetCanPublishData() {
		t.Fatalf("unexpected agent grant: %+v", grants.Video)
	}

	token, err = c.avatarToken("mirage_room")
	if err != nil {
		t.Fatalf("avatar token: %v", err)
	}
	grants = verifyToken(t, token)
	if grants.Identity != AvatarIdentity || grants.GetParticipantKind() != livekit.ParticipantInfo_AGENT {
		t.Fatalf("unexpected avatar claims: %+v", grants)
	}
	if grants.Attributes[publishOnBehalfAttr] != AgentIdentity {
		t.Fatalf("expected avatar to publish on behalf of the agent, got %v", grants.Attributes)
	}
}
