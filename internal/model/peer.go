package model

import "github.com/Legatia/Tai/internal/cryptographic/box"

type (
	// PeerIdentity is what the relay knows about a registered participant.
	PeerIdentity struct {
		PeerID    string        `json:"peer_id"`
		RoomID    string        `json:"room_id"`
		PublicKey box.PublicKey `json:"public_key"`
	}
)
