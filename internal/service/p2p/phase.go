package p2p

// Phase is the negotiation state of one remote peer.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseOfferPending
	PhaseOffered
	PhaseOfferReceived
	PhaseAnswered
	PhaseConnected
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOfferPending:
		return "offer-pending"
	case PhaseOffered:
		return "offered"
	case PhaseOfferReceived:
		return "offer-received"
	case PhaseAnswered:
		return "answered"
	case PhaseConnected:
		return "connected"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) terminal() bool {
	return p == PhaseClosed || p == PhaseFailed
}

// IsOfferer decides glare: of two peers, the one with the greater id sends
// the offer. Both sides evaluate it the same way, so exactly one offers.
func IsOfferer(local, remote string) bool {
	return local > remote
}
