// Package box implements authenticated public-key encryption of signaling
// payloads between two peers (Curve25519, XSalsa20 and Poly1305 via NaCl box).
//
// A KeyPair keeps its secret half unexported: it cannot be marshalled,
// printed or handed out, and Destroy wipes it once the owning session ends.
package box

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/nacl/box"
)

const (
	KeySize   = 32
	NonceSize = 24
	Overhead  = box.Overhead
)

var (
	ErrInvalidKeyLength     = errors.New("box: invalid key length")
	ErrAuthenticationFailed = errors.New("box: authentication failed")
	ErrDestroyed            = errors.New("box: key pair destroyed")
)

type PublicKey [KeySize]byte

type KeyPair struct {
	Public PublicKey

	secret    [KeySize]byte
	destroyed bool
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("box.GenerateKey: %w", err)
	}
	kp := &KeyPair{Public: *pub, secret: *priv}
	wipe(priv[:])
	return kp, nil
}

// Seal encrypts message for recipient with a fresh random nonce.
func (k *KeyPair) Seal(message []byte, recipient PublicKey) (nonce, ciphertext []byte, err error) {
	if k.destroyed {
		return nil, nil, ErrDestroyed
	}
	return Encrypt(message, recipient[:], k.secret[:])
}

// Open authenticates and decrypts a ciphertext produced by sender for us.
func (k *KeyPair) Open(ciphertext, nonce []byte, sender PublicKey) ([]byte, error) {
	if k.destroyed {
		return nil, ErrDestroyed
	}
	return Decrypt(ciphertext, nonce, sender[:], k.secret[:])
}

// Destroy wipes the secret key. Further Seal/Open calls fail.
func (k *KeyPair) Destroy() {
	wipe(k.secret[:])
	k.destroyed = true
}

func (k *KeyPair) String() string {
	return "KeyPair(" + k.Public.Fingerprint() + ")"
}

func Encrypt(message, recipientPublicKey, senderSecretKey []byte) (nonce, ciphertext []byte, err error) {
	if len(recipientPublicKey) != KeySize || len(senderSecretKey) != KeySize {
		return nil, nil, ErrInvalidKeyLength
	}

	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, fmt.Errorf("rand.Read nonce: %w", err)
	}

	var pub, priv [KeySize]byte
	copy(pub[:], recipientPublicKey)
	copy(priv[:], senderSecretKey)
	defer wipe(priv[:])

	ciphertext = box.Seal(nil, message, &n, &pub, &priv)
	return n[:], ciphertext, nil
}

func Decrypt(ciphertext, nonce, senderPublicKey, recipientSecretKey []byte) ([]byte, error) {
	if len(senderPublicKey) != KeySize || len(recipientSecretKey) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceSize || len(ciphertext) < Overhead {
		return nil, ErrAuthenticationFailed
	}

	var n [NonceSize]byte
	var pub, priv [KeySize]byte
	copy(n[:], nonce)
	copy(pub[:], senderPublicKey)
	copy(priv[:], recipientSecretKey)
	defer wipe(priv[:])

	plain, ok := box.Open(nil, ciphertext, &n, &pub, &priv)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != KeySize {
		return pk, ErrInvalidKeyLength
	}
	copy(pk[:], b)
	return pk, nil
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != KeySize {
		return pk, ErrInvalidKeyLength
	}
	copy(pk[:], b)
	return pk, nil
}

func (p PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(p[:])
}

func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// Fingerprint returns a short hex digest suitable for logs.
func (p PublicKey) Fingerprint() string {
	sum := sha256.Sum256(p[:])
	return hex.EncodeToString(sum[:8])
}

func (p PublicKey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PublicKey) UnmarshalText(text []byte) error {
	pk, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

//go:noinline
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
