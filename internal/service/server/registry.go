package server

import (
	"sort"
	"sync"

	"github.com/Legatia/Tai/internal/cryptographic/box"
	"github.com/Legatia/Tai/internal/model"
	"github.com/Legatia/Tai/internal/protocol/signaling"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// Transport is the outbound side of one peer connection. Send must not
	// block: it queues the frame or reports false when the peer is gone.
	Transport interface {
		Send(frame []byte) bool
		Close()
	}

	member struct {
		identity  model.PeerIdentity
		transport Transport

		// peers on other instances already announced to this member
		remote map[string]box.PublicKey
	}

	// Registry owns room membership. Register, Relay and Unregister are the
	// only mutators and all run under one lock.
	Registry struct {
		mu    sync.Mutex
		peers map[string]*member
		rooms map[string]map[string]*member

		origin    string
		backplane Backplane
	}

	Stats struct {
		Peers int `json:"peers"`
		Rooms int `json:"rooms"`
	}
)

// NewRegistry creates an empty registry. backplane may be nil for a single
// instance relay.
func NewRegistry(backplane Backplane) *Registry {
	return &Registry{
		peers:     make(map[string]*member),
		rooms:     make(map[string]map[string]*member),
		origin:    uuid.NewString(),
		backplane: backplane,
	}
}

// Register adds or replaces a peer. The ack and every peer_joined notice are
// queued before the lock is released, so no frame for the new peer can
// overtake its own registration.
func (r *Registry) Register(id model.PeerIdentity, t Transport, ackID *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.peers[id.PeerID]; ok {
		r.removeLocked(old)
		if old.transport != t {
			old.transport.Close()
		}
		if old.identity.RoomID != id.RoomID {
			r.announceLeftLocked(old.identity)
			r.publishLocked(&BackplaneEvent{Kind: EventLeft, RoomID: old.identity.RoomID, PeerID: id.PeerID})
		}
		log.Info("peer re-registered", zap.String("peer", id.PeerID), zap.String("room", id.RoomID))
	}

	m := &member{identity: id, transport: t}
	room := r.rooms[id.RoomID]
	if room == nil {
		room = make(map[string]*member)
		r.rooms[id.RoomID] = room
	}

	t.Send(encode(&signaling.Registered{ID: ackID}))

	joined := encode(&signaling.PeerJoined{PeerID: id.PeerID, PublicKey: id.PublicKey})
	for _, other := range sortedMembers(room) {
		other.transport.Send(joined)
		t.Send(encode(&signaling.PeerJoined{PeerID: other.identity.PeerID, PublicKey: other.identity.PublicKey}))
	}

	room[id.PeerID] = m
	r.peers[id.PeerID] = m

	r.publishLocked(&BackplaneEvent{Kind: EventJoined, RoomID: id.RoomID, PeerID: id.PeerID, PublicKey: id.PublicKey})

	log.Info("peer registered",
		zap.String("peer", id.PeerID),
		zap.String("room", id.RoomID),
		zap.String("key", id.PublicKey.Fingerprint()),
		zap.Int("members", len(room)))
}

// Relay forwards frame, the verbatim encoding of env, to its target. It
// reports whether the frame was handed to a transport or the backplane.
func (r *Registry) Relay(from string, t Transport, env *signaling.Envelope, frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.peers[from]
	switch {
	case !ok || sender.transport != t:
		return dropped("sender not registered", from, env.TargetPeerID)
	case env.SenderPeerID != "" && env.SenderPeerID != from:
		return dropped("sender id mismatch", from, env.TargetPeerID)
	case env.RoomID != sender.identity.RoomID:
		return dropped("sender not in room", from, env.TargetPeerID)
	}

	target, ok := r.peers[env.TargetPeerID]
	if !ok {
		if r.backplane == nil {
			return dropped("target unknown", from, env.TargetPeerID)
		}
		r.publishLocked(&BackplaneEvent{
			Kind:   EventRelay,
			RoomID: env.RoomID,
			PeerID: from,
			Target: env.TargetPeerID,
			Frame:  frame,
		})
		return true
	}
	if target.identity.RoomID != env.RoomID {
		return dropped("target in another room", from, env.TargetPeerID)
	}
	if !target.transport.Send(frame) {
		return dropped("target closed", from, env.TargetPeerID)
	}
	return true
}

// Unregister removes peerID if t is still its current transport. A stale
// transport from a replaced registration is ignored.
func (r *Registry) Unregister(peerID string, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.peers[peerID]
	if !ok || m.transport != t {
		return false
	}
	r.removeLocked(m)
	r.announceLeftLocked(m.identity)
	r.publishLocked(&BackplaneEvent{Kind: EventLeft, RoomID: m.identity.RoomID, PeerID: peerID})

	log.Info("peer unregistered", zap.String("peer", peerID), zap.String("room", m.identity.RoomID))
	return true
}

// Members lists the peer ids held locally in room, sorted.
func (r *Registry) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Peers: len(r.peers), Rooms: len(r.rooms)}
}

func (r *Registry) removeLocked(m *member) {
	delete(r.peers, m.identity.PeerID)
	room := r.rooms[m.identity.RoomID]
	delete(room, m.identity.PeerID)
	if len(room) == 0 {
		delete(r.rooms, m.identity.RoomID)
	}
}

func (r *Registry) announceLeftLocked(id model.PeerIdentity) {
	left := encode(&signaling.PeerLeft{PeerID: id.PeerID})
	for _, other := range r.rooms[id.RoomID] {
		other.transport.Send(left)
	}
}

func sortedMembers(room map[string]*member) []*member {
	out := make([]*member, 0, len(room))
	for _, m := range room {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].identity.PeerID < out[j].identity.PeerID })
	return out
}

func encode(m signaling.Message) []byte {
	data, err := signaling.Encode(m)
	if err != nil {
		log.Error("encode frame failed", zap.Error(err))
	}
	return data
}

func dropped(reason, from, to string) bool {
	log.Debug("relay_message dropped", zap.String("reason", reason), zap.String("from", from), zap.String("to", to))
	return false
}
