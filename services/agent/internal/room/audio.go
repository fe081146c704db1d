package room

import (
	"encoding/binary"
	"mime"
	"strconv"

	"github.com/livekit/media-sdk"
)

const (
	// modelSampleRate is the rate of realtime model speech.
	modelSampleRate = 24000
	// uplinkSampleRate is what the model expects from participants.
	uplinkSampleRate = 16000
	uplinkMIMEType   = "audio/pcm;rate=16000"
	// avatarSampleRate is what the avatar bridge consumes.
	avatarSampleRate = 16000
)

// sampleRate reads the rate parameter of an audio/pcm MIME type.
func sampleRate(mimeType string, fallback int) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}

// decodePCM16 reads little-endian 16-bit samples. A trailing odd byte is dropped.
func decodePCM16(b []byte) media.PCM16Sample {
	out := make(media.PCM16Sample, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func encodePCM16(s media.PCM16Sample) []byte {
	out := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// resample converts mono PCM between rates by linear interpolation.
func resample(in media.PCM16Sample, from, to int) media.PCM16Sample {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	if n == 0 {
		return media.PCM16Sample{}
	}
	out := make(media.PCM16Sample, n)
	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}
