package room

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/livekit/media-sdk"
)

const (
	// audioStreamTopic carries agent speech to an avatar participant.
	audioStreamTopic = "lk.audio_stream"
	// clearBufferMethod tells the avatar to drop queued speech.
	clearBufferMethod = "lk.clear_buffer"
)

// audioOutput plays model speech into the room.
type audioOutput interface {
	write(pcm media.PCM16Sample, rate int) error
	endTurn(interrupted bool)
	close()
}

// pcmTrack is the published local audio track.
type pcmTrack interface {
	WriteSample(sample media.PCM16Sample) error
	ClearQueue()
}

// trackOutput publishes speech as the agent's own microphone track.
type trackOutput struct {
	track pcmTrack
	stop  func()
}

func (t *trackOutput) write(pcm media.PCM16Sample, rate int) error {
	return t.track.WriteSample(resample(pcm, rate, modelSampleRate))
}

func (t *trackOutput) endTurn(interrupted bool) {
	if interrupted {
		t.track.ClearQueue()
	}
}

func (t *trackOutput) close() {
	if t.stop != nil {
		t.stop()
	}
}

// segment is one open byte stream to the avatar.
type segment interface {
	write(b []byte)
	close()
}

// byteStreamer opens avatar byte streams and sends control calls.
type byteStreamer interface {
	openSegment(dest string, attrs map[string]string) segment
	clearBuffer(dest string) error
}

// streamOutput sends speech to an avatar participant, which lip-syncs and
// publishes it on the agent's behalf. Each model turn is one stream.
type streamOutput struct {
	streams byteStreamer
	dest    string
	logger  *slog.Logger

	mu  sync.Mutex
	seg segment
}

func (s *streamOutput) write(pcm media.PCM16Sample, rate int) error {
	data := encodePCM16(resample(pcm, rate, avatarSampleRate))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		s.seg = s.streams.openSegment(s.dest, map[string]string{
			"sample_rate":  strconv.Itoa(avatarSampleRate),
			"num_channels": "1",
		})
	}
	s.seg.write(data)
	return nil
}

func (s *streamOutput) endTurn(interrupted bool) {
	s.closeSegment()
	if !interrupted {
		return
	}
	go func() {
		if err := s.streams.clearBuffer(s.dest); err != nil {
			s.logger.Warn("avatar clear buffer failed", "err", err)
		}
	}()
}

func (s *streamOutput) close() {
	s.closeSegment()
}

func (s *streamOutput) closeSegment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg != nil {
		s.seg.close()
		s.seg = nil
	}
}

// uplinkWriter feeds decoded participant audio to the model.
type uplinkWriter struct {
	send   func(pcm []byte, mimeType string) error
	logger *slog.Logger

	mu     sync.Mutex
	failed bool
}

func (u *uplinkWriter) String() string { return "mirage-uplink" }

func (u *uplinkWriter) SampleRate() int { return uplinkSampleRate }

func (u *uplinkWriter) WriteSample(sample media.PCM16Sample) error {
	if len(sample) == 0 {
		return nil
	}
	err := u.send(encodePCM16(sample), uplinkMIMEType)
	u.mu.Lock()
	defer u.mu.Unlock()
	if err != nil && !u.failed {
		u.logger.Warn("forward participant audio failed", "err", err)
	}
	u.failed = err != nil
	return nil
}

func (u *uplinkWriter) Close() error { return nil }

// listensTo reports whether audio from identity should reach the model.
// Agents, including the avatar, are never heard. When the job names a
// participant only that participant is heard.
func listensTo(identity, target string) bool {
	if isAgentIdentity(identity) {
		return false
	}
	return target == "" || identity == target
}
