// Package p2p negotiates one WebRTC peer connection per room participant
// over the encrypted signal channel and carries chat and media once the
// connections are up.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Legatia/Tai/internal/config"
	"github.com/Legatia/Tai/internal/cryptographic/box"
	"github.com/Legatia/Tai/internal/media"
	"github.com/Legatia/Tai/internal/model"
	"github.com/Legatia/Tai/internal/protocol/framecipher"
	"github.com/Legatia/Tai/internal/protocol/signaling"
	"github.com/Legatia/Tai/internal/service/signal"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	ErrMediaUnavailable      = errors.New("p2p: local media unavailable")
	ErrAlreadyStarted        = errors.New("p2p: already started")
	ErrClosed                = errors.New("p2p: client closed")
	ErrNoOpenChannel         = errors.New("p2p: no open chat channel")
	ErrPayloadTooLarge       = errors.New("p2p: payload too large")
	ErrNegotiationTimeout    = errors.New("p2p: negotiation timed out")
	ErrConnectivityFailed    = errors.New("p2p: connectivity failed")
	ErrUnexpectedDescription = errors.New("p2p: unexpected session description")
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	eventBuffer               = 64
)

type (
	Config struct {
		RelayURL    string
		PeerID      string
		RoomID      string
		DialTimeout time.Duration

		ICEServers         []webrtc.ICEServer
		ICETransportPolicy webrtc.ICETransportPolicy

		// PrivacyMode seals every local media frame and shares the frame
		// secret with each peer inside the encrypted signaling.
		PrivacyMode        bool
		NegotiationTimeout time.Duration

		// API defaults to NewAPI(). Media may be nil for a data-only session.
		API   *webrtc.API
		Media media.Source
	}

	TrackEvent struct {
		PeerID string
		Track  *media.RemoteTrack
	}

	Disconnect struct {
		PeerID string
		Phase  Phase
		Err    error
	}

	PeerInfo struct {
		PeerID  string
		Phase   Phase
		Offerer bool
	}

	Client struct {
		cfg Config
		api *webrtc.API
		sig *signal.Client

		tracks      []*media.Track
		frameSecret []byte

		mu    sync.Mutex
		peers map[string]*peer
		// ids whose negotiation failed; ignored until they join again
		failed map[string]struct{}

		tracksCh chan TrackEvent
		connCh   chan string
		discCh   chan Disconnect
		msgCh    chan model.ChatMessage

		ctx     context.Context
		cancel  context.CancelFunc
		closing chan struct{}
		wg      sync.WaitGroup

		started   atomic.Bool
		closeOnce sync.Once
	}
)

// ConfigFrom maps the client settings of the binaries.
func ConfigFrom(c config.Client) Config {
	return Config{
		RelayURL:           c.RelayURL,
		PeerID:             c.PeerID,
		RoomID:             c.RoomID,
		DialTimeout:        c.DialTimeout,
		ICEServers:         c.ICEServers,
		ICETransportPolicy: c.ICETransportPolicy(),
		PrivacyMode:        c.PrivacyMode,
		NegotiationTimeout: c.NegotiationTTL,
	}
}

func New(cfg Config) (*Client, error) {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	api := cfg.API
	if api == nil {
		var err error
		if api, err = NewAPI(); err != nil {
			return nil, err
		}
	}

	sig, err := signal.New(signal.Config{
		RelayURL:    cfg.RelayURL,
		PeerID:      cfg.PeerID,
		RoomID:      cfg.RoomID,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		api:      api,
		sig:      sig,
		peers:    make(map[string]*peer),
		failed:   make(map[string]struct{}),
		tracksCh: make(chan TrackEvent, eventBuffer),
		connCh:   make(chan string, eventBuffer),
		discCh:   make(chan Disconnect, eventBuffer),
		msgCh:    make(chan model.ChatMessage, eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		closing:  make(chan struct{}),
	}, nil
}

func (c *Client) PeerID() string                     { return c.cfg.PeerID }
func (c *Client) PublicKey() box.PublicKey           { return c.sig.PublicKey() }
func (c *Client) Tracks() <-chan TrackEvent          { return c.tracksCh }
func (c *Client) Connections() <-chan string         { return c.connCh }
func (c *Client) Disconnects() <-chan Disconnect     { return c.discCh }
func (c *Client) Messages() <-chan model.ChatMessage { return c.msgCh }

// Done is closed when the relay connection is lost or the client is closed.
func (c *Client) Done() <-chan struct{} { return c.sig.Done() }

// Start acquires local media, then registers with the relay. A media
// failure is returned before anything is sent to the relay.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if c.cfg.Media != nil {
		tracks, err := c.cfg.Media.Tracks()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		c.tracks = tracks
	}

	if c.cfg.PrivacyMode {
		secret, err := framecipher.NewSecret()
		if err != nil {
			return err
		}
		key, err := framecipher.DeriveKey(secret)
		if err != nil {
			return err
		}
		sealer, err := framecipher.NewSealer(key)
		if err != nil {
			return err
		}
		for _, t := range c.tracks {
			t.SetSealer(sealer)
		}
		c.frameSecret = secret
	}

	if err := c.sig.Connect(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.route()
	return nil
}

// Close stops media, says bye to every peer and releases the signal
// channel. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		if c.cfg.Media != nil {
			c.cfg.Media.Stop()
		}

		c.mu.Lock()
		peers := make([]*peer, 0, len(c.peers))
		for _, p := range c.peers {
			peers = append(peers, p)
		}
		c.mu.Unlock()

		for _, p := range peers {
			p.inbox.push(closeRequest{bye: true})
		}
		for _, p := range peers {
			<-p.done
		}

		c.cancel()
		c.sig.Close()
		c.wg.Wait()
		log.Info("p2p client closed", zap.String("peer", c.cfg.PeerID))
	})
	return nil
}

// Peers reports every tracked remote peer, sorted by id.
func (c *Client) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PeerInfo, 0, len(c.peers))
	for id, p := range c.peers {
		out = append(out, PeerInfo{PeerID: id, Phase: p.getPhase(), Offerer: p.offerer})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (c *Client) route() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.sig.Events():
			c.handleSignalEvent(ev)
		case <-c.sig.Done():
			log.Warn("relay connection lost", zap.String("peer", c.cfg.PeerID))
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) handleSignalEvent(ev signal.Event) {
	switch ev := ev.(type) {
	case signal.PeerJoined:
		c.clearFailed(ev.PeerID)
		p := c.replacePeer(ev.PeerID, ev.PublicKey)
		if p.offerer {
			p.inbox.push(startOffer{})
		}
	case signal.PeerLeft:
		if p := c.peer(ev.PeerID); p != nil {
			p.inbox.push(closeRequest{reason: errPeerLeft})
		}
	case signal.Signal:
		p, failed := c.lookup(ev.From)
		if failed {
			log.Debug("signal from failed peer dropped", zap.String("from", ev.From))
			return
		}
		if p == nil {
			if _, isOffer := ev.Payload.(signaling.Offer); !isOffer {
				log.Debug("signal for unknown peer dropped", zap.String("from", ev.From))
				return
			}
			key, _ := c.sig.PeerKey(ev.From)
			p = c.replacePeer(ev.From, key)
		}
		p.inbox.push(ev.Payload)
	}
}

// replacePeer starts a fresh state machine for id, tearing down any
// previous one: a new join is a new session.
func (c *Client) replacePeer(id string, key box.PublicKey) *peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.peers[id]; ok {
		old.inbox.push(closeRequest{reason: errReplaced})
	}
	p := newPeer(c, id, key)
	c.peers[id] = p
	go p.run()

	log.Info("peer tracked",
		zap.String("peer", id),
		zap.Bool("offerer", p.offerer),
		zap.String("key", key.Fingerprint()))
	return p
}

func (c *Client) peer(id string) *peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[id]
}

// lookup returns the live state for id, or reports that id failed and has
// not joined since.
func (c *Client) lookup(id string) (*peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.failed[id]; ok {
		return nil, true
	}
	return c.peers[id], false
}

func (c *Client) clearFailed(id string) {
	c.mu.Lock()
	delete(c.failed, id)
	c.mu.Unlock()
}

func (c *Client) removePeer(p *peer, final Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peers[p.id] != p {
		return
	}
	delete(c.peers, p.id)
	if final == PhaseFailed {
		c.failed[p.id] = struct{}{}
	}
}

func (c *Client) openChannels() []*webrtc.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*webrtc.DataChannel
	for _, p := range c.peers {
		if dc := p.dc.Load(); dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
			out = append(out, dc)
		}
	}
	return out
}

// emit blocks until the consumer takes v or the client starts closing.
func emit[T any](c *Client, ch chan T, v T) {
	select {
	case ch <- v:
	case <-c.closing:
	}
}
