// Package signal is the client side of the relay: it registers with a room,
// keeps the public keys of the other participants, and exchanges encrypted
// signaling payloads with them.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Legatia/Tai/internal/cryptographic/box"
	"github.com/Legatia/Tai/internal/protocol/signaling"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrConnectionFailed = errors.New("signal: connection failed")
	ErrUnknownPeer      = errors.New("signal: no public key for peer")
	ErrNotConnected     = errors.New("signal: not connected")
	ErrClosed           = errors.New("signal: client closed")
)

const (
	eventBuffer = 64
	writeWait   = 10 * time.Second
)

type (
	Config struct {
		RelayURL    string
		PeerID      string
		RoomID      string
		DialTimeout time.Duration
	}

	// Event is one of PeerJoined, PeerLeft or Signal.
	Event interface {
		isEvent()
	}

	PeerJoined struct {
		PeerID    string
		PublicKey box.PublicKey
	}

	PeerLeft struct {
		PeerID string
	}

	Signal struct {
		From    string
		Payload signaling.Payload
	}

	Client struct {
		cfg  Config
		keys *box.KeyPair

		// mu guards keys and peerKeys.
		mu       sync.Mutex
		peerKeys map[string]box.PublicKey

		writeMu sync.Mutex
		conn    *websocket.Conn

		ack    chan error
		events chan Event

		done      chan struct{}
		doneOnce  sync.Once
		closeOnce sync.Once
	}
)

func (PeerJoined) isEvent() {}
func (PeerLeft) isEvent()   {}
func (Signal) isEvent()     {}

// New generates the session key pair. Nothing touches the network until
// Connect.
func New(cfg Config) (*Client, error) {
	keys, err := box.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		keys:     keys,
		peerKeys: make(map[string]box.PublicKey),
		ack:      make(chan error, 1),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}, nil
}

func (c *Client) PeerID() string           { return c.cfg.PeerID }
func (c *Client) RoomID() string           { return c.cfg.RoomID }
func (c *Client) PublicKey() box.PublicKey { return c.keys.Public }
func (c *Client) Events() <-chan Event     { return c.events }

// Done is closed once the relay connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect dials the relay, registers, and returns once the relay has
// acknowledged the registration.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, c.cfg.RelayURL, err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	go c.readLoop(conn)

	id := time.Now().UnixMilli()
	err = c.write(&signaling.Register{ID: &id, PeerID: c.cfg.PeerID, RoomID: c.cfg.RoomID, PublicKey: c.keys.Public})
	if err != nil {
		c.Close()
		return fmt.Errorf("%w: register: %v", ErrConnectionFailed, err)
	}

	select {
	case err := <-c.ack:
		return c.acknowledged(err)
	case <-c.done:
		// the ack is queued before done closes when the relay hangs up
		// right after it
		select {
		case err := <-c.ack:
			return c.acknowledged(err)
		default:
		}
		return fmt.Errorf("%w: relay closed before acknowledging", ErrConnectionFailed)
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

func (c *Client) acknowledged(err error) error {
	if err != nil {
		c.Close()
		return err
	}
	log.Info("registered with relay",
		zap.String("peer", c.cfg.PeerID),
		zap.String("room", c.cfg.RoomID),
		zap.String("key", c.keys.Public.Fingerprint()))
	return nil
}

// SendSignal encrypts payload for target and hands it to the relay. A key
// passed here is remembered for target if none is known yet.
func (c *Client) SendSignal(target string, payload signaling.Payload, targetKey *box.PublicKey) error {
	data, err := signaling.MarshalPayload(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	key, ok := c.peerKeys[target]
	if targetKey != nil {
		if !ok {
			c.peerKeys[target] = *targetKey
		}
		key, ok = *targetKey, true
	}
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, target)
	}
	nonce, ct, err := c.keys.Seal(data, key)
	c.mu.Unlock()
	if errors.Is(err, box.ErrDestroyed) {
		return ErrClosed
	}
	if err != nil {
		return err
	}

	return c.write(&signaling.Envelope{
		TargetPeerID: target,
		RoomID:       c.cfg.RoomID,
		Payload:      ct,
		Nonce:        nonce,
		SenderPubKey: c.keys.Public,
		SenderPeerID: c.cfg.PeerID,
	})
}

// PeerKey returns the cached public key of peerID.
func (c *Client) PeerKey(peerID string) (box.PublicKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.peerKeys[peerID]
	return k, ok
}

// Close disconnects and wipes the secret key. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.conn.Close()
		}
		c.writeMu.Unlock()

		c.mu.Lock()
		c.keys.Destroy()
		c.mu.Unlock()

		c.finish()
	})
	return nil
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) write(m signaling.Message) error {
	data, err := signaling.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.finish()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("relay connection closed", zap.Error(err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	msg, err := signaling.Decode(data)
	if err != nil {
		log.Debug("malformed relay frame dropped", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *signaling.Registered:
		c.signalAck(nil)
	case *signaling.ErrorReply:
		c.signalAck(fmt.Errorf("%w: relay rejected registration: %s", ErrConnectionFailed, m.Message))
	case *signaling.PeerJoined:
		if m.PeerID == c.cfg.PeerID {
			return
		}
		c.mu.Lock()
		c.peerKeys[m.PeerID] = m.PublicKey
		c.mu.Unlock()
		c.emit(PeerJoined{PeerID: m.PeerID, PublicKey: m.PublicKey})
	case *signaling.PeerLeft:
		c.mu.Lock()
		delete(c.peerKeys, m.PeerID)
		c.mu.Unlock()
		c.emit(PeerLeft{PeerID: m.PeerID})
	case *signaling.Envelope:
		c.handleEnvelope(m)
	default:
		log.Debug("unexpected relay frame dropped", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

func (c *Client) handleEnvelope(env *signaling.Envelope) {
	if env.TargetPeerID != c.cfg.PeerID {
		log.Debug("envelope for another peer dropped", zap.String("target", env.TargetPeerID))
		return
	}
	from := env.SenderPeerID
	if from == "" {
		from = env.SenderPubKey.String()
	}

	c.mu.Lock()
	cached, known := c.peerKeys[from]
	if known && cached != env.SenderPubKey {
		c.mu.Unlock()
		log.Warn("envelope key does not match peer, dropped",
			zap.String("from", from),
			zap.String("key", env.SenderPubKey.Fingerprint()))
		return
	}
	plain, err := c.keys.Open(env.Payload, env.Nonce, env.SenderPubKey)
	if err == nil && !known {
		c.peerKeys[from] = env.SenderPubKey
	}
	c.mu.Unlock()
	if err != nil {
		log.Warn("envelope decrypt failed, dropped", zap.Error(err), zap.String("from", from))
		return
	}

	payload, err := signaling.UnmarshalPayload(plain)
	if err != nil {
		log.Warn("signaling payload rejected", zap.Error(err), zap.String("from", from))
		return
	}
	c.emit(Signal{From: from, Payload: payload})
}

func (c *Client) signalAck(err error) {
	select {
	case c.ack <- err:
	default:
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
