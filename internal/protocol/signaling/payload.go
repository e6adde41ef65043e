package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type PayloadType string

const (
	TypeOffer     PayloadType = "offer"
	TypeAnswer    PayloadType = "answer"
	TypeCandidate PayloadType = "candidate"
	TypeMediaKey  PayloadType = "media_key"
	TypeBye       PayloadType = "bye"
)

var ErrInvalidPayload = errors.New("signaling: invalid payload")

// Payload is the plaintext carried inside an Envelope.
type Payload interface {
	Type() PayloadType
}

type (
	Offer struct {
		SDP string
	}

	Answer struct {
		SDP string
	}

	// Candidate mirrors RTCIceCandidateInit. An empty Candidate string marks
	// end of candidates.
	Candidate struct {
		Candidate        string  `json:"candidate"`
		SDPMid           *string `json:"sdpMid,omitempty"`
		SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
		UsernameFragment *string `json:"usernameFragment,omitempty"`
	}

	// MediaKey carries the sender's frame cipher secret.
	MediaKey struct {
		Key []byte
	}

	Bye struct{}
)

func (Offer) Type() PayloadType     { return TypeOffer }
func (Answer) Type() PayloadType    { return TypeAnswer }
func (Candidate) Type() PayloadType { return TypeCandidate }
func (MediaKey) Type() PayloadType  { return TypeMediaKey }
func (Bye) Type() PayloadType       { return TypeBye }

type wirePayload struct {
	Type      PayloadType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`
	Key       []byte      `json:"key,omitempty"`
}

func MarshalPayload(p Payload) ([]byte, error) {
	w := wirePayload{Type: p.Type()}
	switch p := p.(type) {
	case Offer:
		w.SDP = p.SDP
	case Answer:
		w.SDP = p.SDP
	case Candidate:
		w.Candidate = &p
	case MediaKey:
		w.Key = p.Key
	case Bye:
	default:
		return nil, fmt.Errorf("%w: cannot marshal %T", ErrInvalidPayload, p)
	}
	return json.Marshal(&w)
}

func UnmarshalPayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wirePayload
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: unexpected trailing data", ErrInvalidPayload)
	}

	switch w.Type {
	case TypeOffer, TypeAnswer:
		if w.SDP == "" {
			return nil, fmt.Errorf("%w: %s missing sdp", ErrInvalidPayload, w.Type)
		}
		if w.Candidate != nil || w.Key != nil {
			return nil, fmt.Errorf("%w: %s has unexpected fields", ErrInvalidPayload, w.Type)
		}
		if w.Type == TypeOffer {
			return Offer{SDP: w.SDP}, nil
		}
		return Answer{SDP: w.SDP}, nil
	case TypeCandidate:
		if w.Candidate == nil {
			return nil, fmt.Errorf("%w: candidate missing candidate", ErrInvalidPayload)
		}
		if w.SDP != "" || w.Key != nil {
			return nil, fmt.Errorf("%w: candidate has unexpected fields", ErrInvalidPayload)
		}
		return *w.Candidate, nil
	case TypeMediaKey:
		if len(w.Key) == 0 {
			return nil, fmt.Errorf("%w: media_key missing key", ErrInvalidPayload)
		}
		return MediaKey{Key: w.Key}, nil
	case TypeBye:
		return Bye{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidPayload, w.Type)
	}
}
