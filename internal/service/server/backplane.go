package server

import (
	"github.com/Legatia/Tai/internal/cryptographic/box"
	"github.com/Legatia/Tai/internal/protocol/signaling"
	"github.com/Legatia/Tai/internal/utils/log"
	"go.uber.org/zap"
)

type EventKind string

const (
	EventJoined  EventKind = "joined"
	EventPresent EventKind = "present"
	EventLeft    EventKind = "left"
	EventRelay   EventKind = "relay"
)

type (
	// Backplane carries registry events between relay instances. Publish is
	// called with the registry lock held and must not block.
	Backplane interface {
		Publish(ev *BackplaneEvent)
	}

	BackplaneEvent struct {
		Kind      EventKind     `json:"kind"`
		Origin    string        `json:"origin"`
		RoomID    string        `json:"room_id"`
		PeerID    string        `json:"peer_id"`
		PublicKey box.PublicKey `json:"public_key"`
		Target    string        `json:"target,omitempty"`
		Frame     []byte        `json:"frame,omitempty"`
	}
)

func (r *Registry) publishLocked(ev *BackplaneEvent) {
	if r.backplane == nil {
		return
	}
	ev.Origin = r.origin
	r.backplane.Publish(ev)
}

// HandleBackplaneEvent applies an event from another instance to the peers
// held locally.
func (r *Registry) HandleBackplaneEvent(ev *BackplaneEvent) {
	if ev.Origin == r.origin {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case EventJoined:
		for _, m := range sortedMembers(r.rooms[ev.RoomID]) {
			if m.identity.PeerID == ev.PeerID {
				continue
			}
			m.announceRemote(ev.PeerID, ev.PublicKey)
			r.publishLocked(&BackplaneEvent{
				Kind:      EventPresent,
				RoomID:    ev.RoomID,
				PeerID:    m.identity.PeerID,
				PublicKey: m.identity.PublicKey,
				Target:    ev.PeerID,
			})
		}
	case EventPresent:
		if m := r.localInRoom(ev.Target, ev.RoomID); m != nil {
			m.announceRemote(ev.PeerID, ev.PublicKey)
		}
	case EventLeft:
		left := encode(&signaling.PeerLeft{PeerID: ev.PeerID})
		for _, m := range r.rooms[ev.RoomID] {
			if _, ok := m.remote[ev.PeerID]; ok {
				delete(m.remote, ev.PeerID)
				m.transport.Send(left)
			}
		}
	case EventRelay:
		if m := r.localInRoom(ev.Target, ev.RoomID); m != nil {
			m.transport.Send(ev.Frame)
		}
	default:
		log.Warn("unknown backplane event", zap.String("kind", string(ev.Kind)))
	}
}

func (r *Registry) localInRoom(peerID, room string) *member {
	m, ok := r.peers[peerID]
	if !ok || m.identity.RoomID != room {
		return nil
	}
	return m
}

// announceRemote sends peer_joined for a peer held by another instance. Both
// the joined broadcast and the present reply can reach a member when two
// peers join at once; the second is suppressed.
func (m *member) announceRemote(peerID string, key box.PublicKey) {
	if m.remote == nil {
		m.remote = make(map[string]box.PublicKey)
	}
	if k, ok := m.remote[peerID]; ok && k == key {
		return
	}
	m.remote[peerID] = key
	m.transport.Send(encode(&signaling.PeerJoined{PeerID: peerID, PublicKey: key}))
}
