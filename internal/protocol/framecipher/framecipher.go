// Package framecipher encrypts individual encoded media frames with a
// symmetric key shared by the participants of a room.
//
// Every frame gets its own IV: the 12-byte base IV derived from the session
// secret is XORed with a 64-bit big-endian frame counter, and the counter is
// carried in clear in front of the ciphertext so the receiver can rebuild
// the IV for frames that arrive out of order or after losses.
package framecipher

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/Legatia/Tai/internal/cryptographic/encryption"
	"github.com/Legatia/Tai/internal/cryptographic/kdf"
)

const (
	SecretSize  = 32
	KeySize     = 16
	IVSize      = 12
	counterSize = 8
)

var (
	ErrFrameRejected     = errors.New("framecipher: frame rejected")
	ErrCounterExhausted  = errors.New("framecipher: frame counter exhausted")
	ErrInvalidSecretSize = errors.New("framecipher: invalid secret size")
)

const keyInfo = "FrameKey"

// Key is the AES key and base IV shared by value with every encode/decode
// context of a session.
type Key struct {
	AES    [KeySize]byte
	BaseIV [IVSize]byte
}

func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("rand.Read secret: %w", err)
	}
	return secret, nil
}

func DeriveKey(secret []byte) (Key, error) {
	var k Key
	if len(secret) != SecretSize {
		return k, ErrInvalidSecretSize
	}
	buf, err := kdf.Expand(secret, nil, keyInfo, KeySize+IVSize)
	if err != nil {
		return k, err
	}
	copy(k.AES[:], buf[:KeySize])
	copy(k.BaseIV[:], buf[KeySize:])
	return k, nil
}

func frameIV(base [IVSize]byte, counter uint64) []byte {
	iv := base
	var c [counterSize]byte
	binary.BigEndian.PutUint64(c[:], counter)
	for i := 0; i < counterSize; i++ {
		iv[IVSize-counterSize+i] ^= c[i]
	}
	return iv[:]
}

// Sealer encrypts outgoing frames. Safe for concurrent use.
type Sealer struct {
	aead    cipher.AEAD
	baseIV  [IVSize]byte
	counter atomic.Uint64
}

func NewSealer(k Key) (*Sealer, error) {
	aead, err := encryption.NewGCM(k.AES[:])
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, baseIV: k.BaseIV}, nil
}

// Seal returns counter || AES-GCM(frame) with a never repeated IV.
func (s *Sealer) Seal(frame []byte) ([]byte, error) {
	n := s.counter.Add(1)
	if n == math.MaxUint64 {
		s.counter.Store(math.MaxUint64 - 1)
		return nil, ErrCounterExhausted
	}
	counter := n - 1

	out := make([]byte, counterSize, counterSize+len(frame)+s.aead.Overhead())
	binary.BigEndian.PutUint64(out, counter)
	return s.aead.Seal(out, frameIV(s.baseIV, counter), frame, out[:counterSize]), nil
}

// Opener decrypts incoming frames sealed under the same Key.
type Opener struct {
	aead   cipher.AEAD
	baseIV [IVSize]byte
}

func NewOpener(k Key) (*Opener, error) {
	aead, err := encryption.NewGCM(k.AES[:])
	if err != nil {
		return nil, err
	}
	return &Opener{aead: aead, baseIV: k.BaseIV}, nil
}

func (o *Opener) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < counterSize+o.aead.Overhead() {
		return nil, ErrFrameRejected
	}
	counter := binary.BigEndian.Uint64(sealed[:counterSize])
	plain, err := encryption.Open(o.aead, frameIV(o.baseIV, counter), sealed[counterSize:], sealed[:counterSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRejected, err)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}
