package media

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/Legatia/Tai/internal/protocol/framecipher"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"go.uber.org/zap"
)

const (
	maxLatePackets = 64
	frameBuffer    = 32
)

var errNoFrameKey = errors.New("media: no frame key for peer yet")

type packetSource func() (*rtp.Packet, error)

// RemoteTrack turns an incoming pion track back into frames. In privacy
// mode frames are dropped until the peer's key arrives.
type RemoteTrack struct {
	PeerID string

	kind      Kind
	clockRate uint32
	mime      string
	read      packetSource

	privacy bool
	opener  atomic.Pointer[framecipher.Opener]

	frames  chan []byte
	dropped atomic.Uint64
}

func NewRemoteTrack(peerID string, track *webrtc.TrackRemote, privacy bool) *RemoteTrack {
	codec := track.Codec()
	r := newRemoteTrack(peerID, Kind(track.Kind().String()), codec.MimeType, codec.ClockRate, privacy)
	r.read = func() (*rtp.Packet, error) {
		p, _, err := track.ReadRTP()
		return p, err
	}
	return r
}

func newRemoteTrack(peerID string, kind Kind, mime string, clockRate uint32, privacy bool) *RemoteTrack {
	return &RemoteTrack{
		PeerID:    peerID,
		kind:      kind,
		mime:      mime,
		clockRate: clockRate,
		privacy:   privacy,
		frames:    make(chan []byte, frameBuffer),
	}
}

func (r *RemoteTrack) Kind() Kind { return r.kind }

// Frames is closed when the track ends.
func (r *RemoteTrack) Frames() <-chan []byte { return r.frames }

// Dropped counts frames that failed to open.
func (r *RemoteTrack) Dropped() uint64 { return r.dropped.Load() }

func (r *RemoteTrack) SetOpener(o *framecipher.Opener) {
	r.opener.Store(o)
}

// Run reads until the track ends or ctx is done.
func (r *RemoteTrack) Run(ctx context.Context) {
	depacketizer, ok := depacketizerFor(r.mime)
	if !ok {
		log.Warn("unsupported remote codec, track ignored", zap.String("peer", r.PeerID), zap.String("mime", r.mime))
		close(r.frames)
		return
	}

	raw := make(chan []byte, frameBuffer)
	go r.rebuild(ctx, samplebuilder.New(maxLatePackets, depacketizer, r.clockRate), raw)

	r.dropped.Add(framecipher.Pipe(ctx, raw, r.frames, r.open))
}

func (r *RemoteTrack) rebuild(ctx context.Context, sb *samplebuilder.SampleBuilder, out chan<- []byte) {
	defer close(out)
	for {
		p, err := r.read()
		if err != nil {
			log.Debug("remote track ended", zap.String("peer", r.PeerID), zap.Error(err))
			return
		}
		sb.Push(p)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			select {
			case out <- s.Data:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *RemoteTrack) open(frame []byte) ([]byte, error) {
	if !r.privacy {
		return frame, nil
	}
	o := r.opener.Load()
	if o == nil {
		return nil, errNoFrameKey
	}
	return o.Open(frame)
}

func depacketizerFor(mime string) (rtp.Depacketizer, bool) {
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}, true
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		return &codecs.OpusPacket{}, true
	default:
		return nil, false
	}
}
