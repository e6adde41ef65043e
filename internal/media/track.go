// Package media adapts pion tracks to whole media frames. Local frames are
// sealed before pion packetizes them; remote RTP is rebuilt into frames and
// opened again on the far side.
package media

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Legatia/Tai/internal/protocol/framecipher"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) codec() (webrtc.RTPCodecCapability, error) {
	switch k {
	case KindAudio:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case KindVideo:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("media: unsupported kind %q", k)
	}
}

// Track is a local outgoing track fed one encoded frame at a time.
type Track struct {
	kind   Kind
	local  *webrtc.TrackLocalStaticSample
	sealer atomic.Pointer[framecipher.Sealer]
}

func NewTrack(kind Kind, streamID string) (*Track, error) {
	codec, err := kind.codec()
	if err != nil {
		return nil, err
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("webrtc.NewTrackLocalStaticSample: %w", err)
	}
	return &Track{kind: kind, local: local}, nil
}

func (t *Track) Kind() Kind                { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// SetSealer turns on frame encryption for every frame written afterwards.
func (t *Track) SetSealer(s *framecipher.Sealer) {
	t.sealer.Store(s)
}

func (t *Track) WriteFrame(frame []byte, duration time.Duration) error {
	data, err := t.seal(frame)
	if err != nil {
		return err
	}
	return t.local.WriteSample(media.Sample{Data: data, Duration: duration})
}

func (t *Track) seal(frame []byte) ([]byte, error) {
	s := t.sealer.Load()
	if s == nil {
		return frame, nil
	}
	return s.Seal(frame)
}
