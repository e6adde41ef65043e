package framecipher

import (
	"context"

	"github.com/Legatia/Tai/internal/utils/log"

	"go.uber.org/zap"
)

// Transform rewrites one frame. A non-nil error drops the frame.
type Transform func(frame []byte) ([]byte, error)

// Pipe moves frames from in to out through t until in is closed or ctx ends.
// Frames whose transform fails never reach out. out is closed on return and
// the number of dropped frames is reported.
func Pipe(ctx context.Context, in <-chan []byte, out chan<- []byte, t Transform) (dropped uint64) {
	defer close(out)
	for {
		var frame []byte
		var ok bool
		select {
		case frame, ok = <-in:
			if !ok {
				return dropped
			}
		case <-ctx.Done():
			return dropped
		}

		res, err := t(frame)
		if err != nil {
			dropped++
			log.Debug("frame dropped", zap.Error(err), zap.Uint64("dropped", dropped))
			continue
		}

		select {
		case out <- res:
		case <-ctx.Done():
			return dropped
		}
	}
}

func Passthrough(frame []byte) ([]byte, error) {
	return frame, nil
}
