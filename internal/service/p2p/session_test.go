package p2p

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Legatia/Tai/internal/config"
	"github.com/Legatia/Tai/internal/media"
	"github.com/Legatia/Tai/internal/model"
	"github.com/Legatia/Tai/internal/service/server"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const e2eTimeout = 20 * time.Second

func newRelay(t *testing.T) (string, *server.Registry) {
	t.Helper()
	registry := server.NewRegistry(nil)
	srv := httptest.NewServer(server.NewHttpServer(config.DefaultRelay(), registry).Router())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", registry
}

func newVNets(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	nets := make([]*vnet.Net, len(ips))
	for i, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		require.NoError(t, err)
		require.NoError(t, router.AddNet(n))
		nets[i] = n
	}
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })
	return nets
}

func newSession(t *testing.T, relayURL, peerID string, n *vnet.Net, src media.Source, privacy bool) *Client {
	t.Helper()
	api, err := NewAPI(WithNet(n))
	require.NoError(t, err)

	c, err := New(Config{
		RelayURL:    relayURL,
		PeerID:      peerID,
		RoomID:      "room-1",
		PrivacyMode: privacy,
		API:         api,
		Media:       src,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func start(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
}

func waitConnected(t *testing.T, c *Client, peerID string) {
	t.Helper()
	select {
	case id := <-c.Connections():
		require.Equal(t, peerID, id)
	case d := <-c.Disconnects():
		t.Fatalf("%s: peer %s went %s: %v", c.PeerID(), d.PeerID, d.Phase, d.Err)
	case <-time.After(e2eTimeout):
		t.Fatalf("%s: timed out waiting for %s", c.PeerID(), peerID)
	}
}

func nextMessage(t *testing.T, c *Client) model.ChatMessage {
	t.Helper()
	select {
	case m := <-c.Messages():
		return m
	case <-time.After(e2eTimeout):
		t.Fatalf("%s: timed out waiting for chat", c.PeerID())
		return model.ChatMessage{}
	}
}

func sendWhenOpen(t *testing.T, send func() error) {
	t.Helper()
	require.Eventually(t, func() bool {
		err := send()
		if err != nil && !errors.Is(err, ErrNoOpenChannel) {
			t.Fatalf("send: %v", err)
		}
		return err == nil
	}, e2eTimeout, 50*time.Millisecond)
}

func TestTwoPeersConnect(t *testing.T) {
	relayURL, _ := newRelay(t)
	nets := newVNets(t, "10.0.0.1", "10.0.0.2")

	p1 := newSession(t, relayURL, "p1", nets[0], nil, false)
	start(t, p1)
	p2 := newSession(t, relayURL, "p2", nets[1], nil, false)
	start(t, p2)

	waitConnected(t, p1, "p2")
	waitConnected(t, p2, "p1")

	assert.Equal(t, []PeerInfo{{PeerID: "p1", Phase: PhaseConnected, Offerer: true}}, p2.Peers())
	assert.Equal(t, []PeerInfo{{PeerID: "p2", Phase: PhaseConnected, Offerer: false}}, p1.Peers())

	sendWhenOpen(t, func() error { _, err := p1.SendText("hello from p1"); return err })
	m := nextMessage(t, p2)
	assert.Equal(t, "p1", m.SenderID)
	assert.Equal(t, model.ChatKindText, m.Kind)
	assert.Equal(t, "hello from p1", m.Content)
	assert.NotEmpty(t, m.ID)

	sendWhenOpen(t, func() error { _, err := p2.SendLocation(48.8584, 2.2945); return err })
	m = nextMessage(t, p1)
	assert.Equal(t, model.ChatKindLocation, m.Kind)
	assert.Equal(t, "48.858400,2.294500", m.Content)

	_, err := p2.SendFileBytes("note.png", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	m = nextMessage(t, p1)
	assert.Equal(t, model.ChatKindImage, m.Kind)
	assert.Equal(t, "note.png", m.Metadata["name"])

	require.NoError(t, p2.Close())
	require.NoError(t, p2.Close())

	select {
	case d := <-p1.Disconnects():
		assert.Equal(t, "p2", d.PeerID)
		assert.Equal(t, PhaseClosed, d.Phase)
	case <-time.After(e2eTimeout):
		t.Fatal("p1 never saw p2 leave")
	}
	assert.Empty(t, p1.Peers())
}

type testSource struct {
	err error

	mu     sync.Mutex
	tracks []*media.Track
	stop   chan struct{}
	once   sync.Once
}

func newTestSource(err error) *testSource {
	return &testSource{err: err, stop: make(chan struct{})}
}

func (s *testSource) Tracks() ([]*media.Track, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks != nil {
		return s.tracks, nil
	}

	tr, err := media.NewTrack(media.KindAudio, "test")
	if err != nil {
		return nil, err
	}
	s.tracks = []*media.Track{tr}
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				_ = tr.WriteFrame([]byte("opus-frame"), 20*time.Millisecond)
			}
		}
	}()
	return s.tracks, nil
}

func (s *testSource) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func TestMediaUnavailableBeforeRegistering(t *testing.T) {
	relayURL, registry := newRelay(t)
	nets := newVNets(t, "10.0.0.1")

	c := newSession(t, relayURL, "p1", nets[0], newTestSource(errors.New("no camera")), false)
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Equal(t, 0, registry.Stats().Peers)

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestPrivacyModeMediaFrames(t *testing.T) {
	relayURL, _ := newRelay(t)
	nets := newVNets(t, "10.0.0.1", "10.0.0.2")

	p1 := newSession(t, relayURL, "p1", nets[0], newTestSource(nil), true)
	start(t, p1)
	p2 := newSession(t, relayURL, "p2", nets[1], newTestSource(nil), true)
	start(t, p2)

	waitConnected(t, p1, "p2")

	var track *media.RemoteTrack
	select {
	case ev := <-p1.Tracks():
		assert.Equal(t, "p2", ev.PeerID)
		track = ev.Track
	case <-time.After(e2eTimeout):
		t.Fatal("no remote track")
	}
	assert.Equal(t, media.KindAudio, track.Kind())

	deadline := time.After(e2eTimeout)
	for {
		select {
		case frame, ok := <-track.Frames():
			require.True(t, ok, "track ended early")
			if string(frame) == "opus-frame" {
				return
			}
			t.Fatalf("frame was not decrypted: %q", frame)
		case <-deadline:
			t.Fatal("no decrypted frame")
		}
	}
}
