// Package signaling defines the relay wire protocol and the plaintext
// signaling payloads exchanged inside encrypted envelopes.
//
// Relay frames are JSON-RPC 2.0 objects discriminated by "method". Payloads
// are decoded once into a closed set of Go types so the negotiator never
// handles raw JSON.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Legatia/Tai/internal/cryptographic/box"
)

const jsonrpcVersion = "2.0"

type Method string

const (
	MethodRegister     Method = "register"
	MethodPeerJoined   Method = "peer_joined"
	MethodPeerLeft     Method = "peer_left"
	MethodRelayMessage Method = "relay_message"
)

const ResultRegistered = "registered"

// JSON-RPC error codes used by the relay.
const (
	CodeInvalidParams = -32602
	CodeInternalError = -32603
)

var (
	ErrMalformed     = errors.New("signaling: malformed frame")
	ErrUnknownMethod = errors.New("signaling: unknown method")
)

// Message is one decoded relay frame.
type Message interface {
	isMessage()
}

type (
	Register struct {
		ID        *int64        `json:"-"`
		PeerID    string        `json:"peer_id"`
		RoomID    string        `json:"room_id"`
		PublicKey box.PublicKey `json:"public_key"`
	}

	Registered struct {
		ID *int64
	}

	PeerJoined struct {
		PeerID    string        `json:"peer_id"`
		PublicKey box.PublicKey `json:"public_key"`
	}

	PeerLeft struct {
		PeerID string `json:"peer_id"`
	}

	// Envelope is a relay_message. Payload is ciphertext only the target can open.
	Envelope struct {
		TargetPeerID string        `json:"target_peer_id"`
		RoomID       string        `json:"room_id"`
		Payload      []byte        `json:"payload"`
		Nonce        []byte        `json:"nonce"`
		SenderPubKey box.PublicKey `json:"sender_pubkey"`
		SenderPeerID string        `json:"sender_peer_id,omitempty"`
	}

	ErrorReply struct {
		ID      *int64
		Code    int
		Message string
	}
)

func (*Register) isMessage()   {}
func (*Registered) isMessage() {}
func (*PeerJoined) isMessage() {}
func (*PeerLeft) isMessage()   {}
func (*Envelope) isMessage()   {}
func (*ErrorReply) isMessage() {}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  Method          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  string          `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.JSONRPC != jsonrpcVersion {
		return nil, fmt.Errorf("%w: jsonrpc version %q", ErrMalformed, f.JSONRPC)
	}

	switch f.Method {
	case "":
		if f.Error != nil {
			return &ErrorReply{ID: f.ID, Code: f.Error.Code, Message: f.Error.Message}, nil
		}
		if f.Result == ResultRegistered {
			return &Registered{ID: f.ID}, nil
		}
		return nil, fmt.Errorf("%w: frame has no method", ErrMalformed)
	case MethodRegister:
		var m Register
		if err := decodeParams(f.Params, &m); err != nil {
			return nil, err
		}
		m.ID = f.ID
		if err := m.validate(); err != nil {
			return nil, err
		}
		return &m, nil
	case MethodPeerJoined:
		var m PeerJoined
		if err := decodeParams(f.Params, &m); err != nil {
			return nil, err
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
		return &m, nil
	case MethodPeerLeft:
		var m PeerLeft
		if err := decodeParams(f.Params, &m); err != nil {
			return nil, err
		}
		if m.PeerID == "" {
			return nil, fmt.Errorf("%w: peer_left missing peer_id", ErrMalformed)
		}
		return &m, nil
	case MethodRelayMessage:
		var m Envelope
		if err := decodeParams(f.Params, &m); err != nil {
			return nil, err
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, f.Method)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", ErrMalformed)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: params: %v", ErrMalformed, err)
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	f := frame{JSONRPC: jsonrpcVersion}
	var params any

	switch m := m.(type) {
	case *Register:
		f.Method, f.ID, params = MethodRegister, m.ID, m
	case *Registered:
		f.Result, f.ID = ResultRegistered, m.ID
	case *PeerJoined:
		f.Method, params = MethodPeerJoined, m
	case *PeerLeft:
		f.Method, params = MethodPeerLeft, m
	case *Envelope:
		f.Method, params = MethodRelayMessage, m
	case *ErrorReply:
		f.ID = m.ID
		f.Error = &rpcError{Code: m.Code, Message: m.Message}
	default:
		return nil, fmt.Errorf("signaling: cannot encode %T", m)
	}

	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		f.Params = raw
	}
	return json.Marshal(&f)
}

func (m *Register) validate() error {
	if m.PeerID == "" || m.RoomID == "" {
		return fmt.Errorf("%w: register missing peer_id/room_id", ErrMalformed)
	}
	if m.PublicKey.IsZero() {
		return fmt.Errorf("%w: register missing public_key", ErrMalformed)
	}
	return nil
}

func (m *PeerJoined) validate() error {
	if m.PeerID == "" || m.PublicKey.IsZero() {
		return fmt.Errorf("%w: peer_joined missing peer_id/public_key", ErrMalformed)
	}
	return nil
}

func (m *Envelope) validate() error {
	if m.TargetPeerID == "" || m.RoomID == "" {
		return fmt.Errorf("%w: relay_message missing target_peer_id/room_id", ErrMalformed)
	}
	if len(m.Payload) == 0 || len(m.Nonce) != box.NonceSize {
		return fmt.Errorf("%w: relay_message has bad payload/nonce", ErrMalformed)
	}
	if m.SenderPubKey.IsZero() {
		return fmt.Errorf("%w: relay_message missing sender_pubkey", ErrMalformed)
	}
	return nil
}

// PeekRequest reports the method and id of a frame without validating its
// params, so a rejected request can still be answered with its id.
func PeekRequest(data []byte) (Method, *int64) {
	var f struct {
		Method Method `json:"method"`
		ID     *int64 `json:"id"`
	}
	if json.Unmarshal(data, &f) != nil {
		return "", nil
	}
	return f.Method, f.ID
}
