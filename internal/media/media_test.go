package media

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/Legatia/Tai/internal/protocol/framecipher"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameKey(t *testing.T) framecipher.Key {
	t.Helper()
	secret, err := framecipher.NewSecret()
	require.NoError(t, err)
	k, err := framecipher.DeriveKey(secret)
	require.NoError(t, err)
	return k
}

func TestNewTrack(t *testing.T) {
	video, err := NewTrack(KindVideo, "stream")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, video.Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, video.Local().Kind())

	audio, err := NewTrack(KindAudio, "stream")
	require.NoError(t, err)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, audio.Local().Kind())

	_, err = NewTrack("screen", "stream")
	assert.Error(t, err)

	// an unbound track accepts frames
	assert.NoError(t, video.WriteFrame([]byte("frame"), 33*time.Millisecond))
}

func TestTrackSealsOnlyWithSealer(t *testing.T) {
	tr, err := NewTrack(KindAudio, "stream")
	require.NoError(t, err)

	plain, err := tr.seal([]byte("opus frame"))
	require.NoError(t, err)
	assert.Equal(t, "opus frame", string(plain))

	k := frameKey(t)
	sealer, err := framecipher.NewSealer(k)
	require.NoError(t, err)
	opener, err := framecipher.NewOpener(k)
	require.NoError(t, err)
	tr.SetSealer(sealer)

	sealed, err := tr.seal([]byte("opus frame"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "opus frame")

	got, err := opener.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "opus frame", string(got))
}

// opusRemote serves frames as one RTP packet each, then io.EOF.
func opusRemote(privacy bool, frames [][]byte) *RemoteTrack {
	r := newRemoteTrack("p2", KindAudio, webrtc.MimeTypeOpus, 48000, privacy)
	i := 0
	r.read = func() (*rtp.Packet, error) {
		if i == len(frames) {
			return nil, io.EOF
		}
		p := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: uint16(1000 + i),
				Timestamp:      uint32(i * 960),
				SSRC:           42,
				Marker:         true,
			},
			Payload: frames[i],
		}
		i++
		return p, nil
	}
	return r
}

func collect(t *testing.T, r *RemoteTrack) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go r.Run(ctx)

	var out [][]byte
	for f := range r.Frames() {
		out = append(out, f)
	}
	require.NoError(t, ctx.Err(), "track did not finish")
	return out
}

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte(fmt.Sprintf("frame-%02d", i))
	}
	return frames
}

func TestRemoteTrackRebuildsFrames(t *testing.T) {
	frames := testFrames(6)
	got := collect(t, opusRemote(false, frames))

	// the last frame may be held back until a later timestamp arrives
	require.GreaterOrEqual(t, len(got), len(frames)-1)
	assert.Equal(t, frames[:len(got)], got)
}

func TestRemoteTrackOpensSealedFrames(t *testing.T) {
	k := frameKey(t)
	sealer, _ := framecipher.NewSealer(k)
	opener, _ := framecipher.NewOpener(k)

	frames := testFrames(6)
	sealed := make([][]byte, len(frames))
	for i, f := range frames {
		var err error
		sealed[i], err = sealer.Seal(f)
		require.NoError(t, err)
	}

	r := opusRemote(true, sealed)
	r.SetOpener(opener)
	got := collect(t, r)

	require.GreaterOrEqual(t, len(got), len(frames)-1)
	assert.Equal(t, frames[:len(got)], got)
	assert.Zero(t, r.Dropped())
}

func TestRemoteTrackDropsWithoutKey(t *testing.T) {
	sealer, _ := framecipher.NewSealer(frameKey(t))
	sealed := make([][]byte, 6)
	for i := range sealed {
		sealed[i], _ = sealer.Seal([]byte("secret frame"))
	}

	r := opusRemote(true, sealed)
	got := collect(t, r)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, r.Dropped(), uint64(5))

	wrong, _ := framecipher.NewOpener(frameKey(t))
	r = opusRemote(true, sealed)
	r.SetOpener(wrong)
	assert.Empty(t, collect(t, r))
}

func TestRemoteTrackUnsupportedCodec(t *testing.T) {
	r := newRemoteTrack("p2", KindVideo, "video/H265", 90000, false)
	r.read = func() (*rtp.Packet, error) { return nil, io.EOF }
	assert.Empty(t, collect(t, r))
}

func TestFileSourceUnavailable(t *testing.T) {
	src := NewFileSource("/nonexistent/video.ivf", "", "stream")
	defer src.Stop()

	_, err := src.Tracks()
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = src.Tracks()
	assert.ErrorIs(t, err, ErrUnavailable, "result is stable")
}

func TestFileSourceEmpty(t *testing.T) {
	src := NewFileSource("", "", "stream")
	defer src.Stop()

	tracks, err := src.Tracks()
	require.NoError(t, err)
	assert.Empty(t, tracks)
}

func TestOggPageDurationFollowsGranule(t *testing.T) {
	// one 20ms Opus packet, then a page carrying three of them
	assert.Equal(t, 20*time.Millisecond, pageDuration(0, 960))
	assert.Equal(t, 60*time.Millisecond, pageDuration(960, 960+3*960))

	// header pages carry no samples
	assert.Equal(t, oggPageDuration, pageDuration(0, 0))
	assert.Equal(t, oggPageDuration, pageDuration(4800, 960))
}
