package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"
)

var ErrUnavailable = errors.New("media: source unavailable")

const (
	oggPageDuration      = 20 * time.Millisecond
	opusSampleRate       = 48000
	defaultVideoInterval = 33 * time.Millisecond
)

// Source supplies the local tracks of a session.
type Source interface {
	Tracks() ([]*Track, error)
	Stop()
}

// FileSource plays a VP8 IVF file and an Opus Ogg file in real time. Either
// path may be empty.
type FileSource struct {
	VideoPath string
	AudioPath string
	StreamID  string

	once   sync.Once
	tracks []*Track
	err    error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFileSource(videoPath, audioPath, streamID string) *FileSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &FileSource{
		VideoPath: videoPath,
		AudioPath: audioPath,
		StreamID:  streamID,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Tracks opens the files and starts playback. It is safe to call again; the
// same tracks are returned.
func (s *FileSource) Tracks() ([]*Track, error) {
	s.once.Do(func() {
		s.tracks, s.err = s.start()
		if s.err != nil {
			s.cancel()
		}
	})
	return s.tracks, s.err
}

func (s *FileSource) start() ([]*Track, error) {
	var tracks []*Track

	if s.VideoPath != "" {
		f, err := os.Open(s.VideoPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		reader, header, err := ivfreader.NewWith(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: ivf %s: %v", ErrUnavailable, s.VideoPath, err)
		}
		t, err := NewTrack(KindVideo, s.StreamID)
		if err != nil {
			f.Close()
			return nil, err
		}
		interval := time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(max(header.TimebaseDenominator, 1))
		if interval <= 0 {
			interval = defaultVideoInterval
		}
		s.play(f, t, func() ([]byte, time.Duration, error) {
			frame, _, err := reader.ParseNextFrame()
			return frame, interval, err
		})
		tracks = append(tracks, t)
	}

	if s.AudioPath != "" {
		f, err := os.Open(s.AudioPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		reader, _, err := oggreader.NewWith(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: ogg %s: %v", ErrUnavailable, s.AudioPath, err)
		}
		t, err := NewTrack(KindAudio, s.StreamID)
		if err != nil {
			f.Close()
			return nil, err
		}
		var granule uint64
		s.play(f, t, func() ([]byte, time.Duration, error) {
			page, header, err := reader.ParseNextPage()
			if err != nil {
				return nil, 0, err
			}
			d := pageDuration(granule, header.GranulePosition)
			granule = header.GranulePosition
			return page, d, nil
		})
		tracks = append(tracks, t)
	}

	return tracks, nil
}

func (s *FileSource) play(f io.Closer, t *Track, next func() ([]byte, time.Duration, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer f.Close()

		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-timer.C:
			}

			frame, d, err := next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn("media file read failed", zap.Error(err), zap.String("kind", string(t.Kind())))
				}
				return
			}
			if err := t.WriteFrame(frame, d); err != nil {
				log.Debug("write frame failed", zap.Error(err))
			}
			timer.Reset(d)
		}
	}()
}

// pageDuration is the playout time of an Ogg Opus page: the granule position
// counts 48kHz samples, so a page lasts as long as the samples it adds.
func pageDuration(prev, cur uint64) time.Duration {
	if cur <= prev {
		return oggPageDuration
	}
	return time.Duration(cur-prev) * time.Second / opusSampleRate
}

// Stop ends playback and waits for the readers to exit.
func (s *FileSource) Stop() {
	s.cancel()
	s.wg.Wait()
}
