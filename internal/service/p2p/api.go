package p2p

import (
	"fmt"

	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
)

type APIOption func(*webrtc.SettingEngine)

// WithNet runs ICE over n instead of the host network.
func WithNet(n *vnet.Net) APIOption {
	return func(se *webrtc.SettingEngine) {
		se.SetNet(n)
	}
}

// NewAPI builds a pion API with the default codecs and interceptors and pion
// logs routed to our logger.
func NewAPI(opts ...APIOption) (*webrtc.API, error) {
	se := webrtc.SettingEngine{LoggerFactory: log.PionLoggerFactory{}}
	for _, opt := range opts {
		opt(&se)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("RegisterDefaultCodecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("RegisterDefaultInterceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}
