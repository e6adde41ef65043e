// Package config holds the settings for the relay and for a participant
// client. Binaries fill these structs from cobra flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type (
	Relay struct {
		ListenAddr string

		// ReadLimit caps a single inbound websocket frame.
		ReadLimit    int64
		SendQueue    int
		WriteWait    time.Duration
		PongWait     time.Duration
		PingInterval time.Duration

		// RateLimit is the sustained inbound frames per second per connection.
		RateLimit float64
		RateBurst int

		// RedisURL enables the multi-instance backplane when set.
		RedisURL     string
		RedisChannel string

		LogLevel string
		DevLog   bool
	}

	Client struct {
		RelayURL string
		PeerID   string
		RoomID   string

		ICEServers []webrtc.ICEServer

		// PrivacyMode encrypts media frames end to end and may force TURN.
		PrivacyMode    bool
		ForceRelayICE  bool
		NegotiationTTL time.Duration
		DialTimeout    time.Duration

		LogLevel string
	}
)

func DefaultRelay() Relay {
	return Relay{
		ListenAddr:   "localhost:9090",
		ReadLimit:    64 * 1024,
		SendQueue:    256,
		WriteWait:    10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 50 * time.Second,
		RateLimit:    50,
		RateBurst:    100,
		RedisChannel: "tai:room:",
		LogLevel:     "info",
	}
}

func DefaultClient() Client {
	return Client{
		RelayURL:       "ws://localhost:9090/ws",
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		NegotiationTTL: 30 * time.Second,
		DialTimeout:    10 * time.Second,
		LogLevel:       "info",
	}
}

func (c Relay) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen address is required")
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("read limit must be positive, got %d", c.ReadLimit)
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("send queue must be positive, got %d", c.SendQueue)
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		return fmt.Errorf("ping interval %s must be positive and below pong wait %s", c.PingInterval, c.PongWait)
	}
	if c.WriteWait <= 0 {
		return errors.New("write wait must be positive")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("rate limit and burst must be positive")
	}
	if c.RedisURL != "" && c.RedisChannel == "" {
		return errors.New("redis channel prefix is required with a redis url")
	}
	return nil
}

func (c Client) Validate() error {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	if strings.TrimSpace(c.PeerID) == "" {
		return errors.New("peer id is required")
	}
	if strings.TrimSpace(c.RoomID) == "" {
		return errors.New("room id is required")
	}
	if c.NegotiationTTL <= 0 {
		return errors.New("negotiation timeout must be positive")
	}
	if c.ForceRelayICE && !hasTURN(c.ICEServers) {
		return errors.New("relay-only ICE needs at least one turn server")
	}
	for i, s := range c.ICEServers {
		cred, _ := s.Credential.(string)
		if _, err := newICEServer(s.URLs, s.Username, cred); err != nil {
			return fmt.Errorf("iceServers[%d]: %w", i, err)
		}
	}
	return nil
}

// ICETransportPolicy is relay when the client asked to hide its addresses.
func (c Client) ICETransportPolicy() webrtc.ICETransportPolicy {
	if c.ForceRelayICE {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

func hasTURN(servers []webrtc.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}
