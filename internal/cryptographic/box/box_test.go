package box

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestRoundTrip(t *testing.T) {
	alice, bob := newPair(t), newPair(t)

	messages := [][]byte{
		{},
		[]byte("x"),
		[]byte(`{"type":"offer","sdp":"v=0"}`),
		bytes.Repeat([]byte{0xab}, 64*1024),
	}
	for _, m := range messages {
		nonce, ct, err := Encrypt(m, bob.Public[:], alice.secret[:])
		require.NoError(t, err)

		got, err := Decrypt(ct, nonce, alice.Public[:], bob.secret[:])
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestKeyPairSealOpen(t *testing.T) {
	alice, bob := newPair(t), newPair(t)

	nonce, ct, err := alice.Seal([]byte("hello"), bob.Public)
	require.NoError(t, err)

	got, err := bob.Open(ct, nonce, alice.Public)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestFreshNoncePerCall(t *testing.T) {
	alice, bob := newPair(t), newPair(t)

	n1, c1, err := alice.Seal([]byte("same"), bob.Public)
	require.NoError(t, err)
	n2, c2, err := alice.Seal([]byte("same"), bob.Public)
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2)
	assert.NotEqual(t, c1, c2)
}

func TestTamperRejection(t *testing.T) {
	alice, bob := newPair(t), newPair(t)
	nonce, ct, err := alice.Seal([]byte("attack at dawn"), bob.Public)
	require.NoError(t, err)

	for i := 0; i < len(ct)*8; i++ {
		bad := append([]byte(nil), ct...)
		bad[i/8] ^= 1 << (i % 8)
		got, err := bob.Open(bad, nonce, alice.Public)
		require.ErrorIs(t, err, ErrAuthenticationFailed, "ciphertext bit %d", i)
		require.Nil(t, got)
	}

	for i := 0; i < len(nonce)*8; i++ {
		bad := append([]byte(nil), nonce...)
		bad[i/8] ^= 1 << (i % 8)
		got, err := bob.Open(ct, bad, alice.Public)
		require.ErrorIs(t, err, ErrAuthenticationFailed, "nonce bit %d", i)
		require.Nil(t, got)
	}
}

func TestThirdPartyCannotDecrypt(t *testing.T) {
	alice, bob, eve := newPair(t), newPair(t), newPair(t)
	nonce, ct, err := alice.Seal([]byte("for bob"), bob.Public)
	require.NoError(t, err)

	_, err = eve.Open(ct, nonce, alice.Public)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// right recipient, wrong claimed sender
	_, err = bob.Open(ct, nonce, eve.Public)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestInvalidInputs(t *testing.T) {
	alice := newPair(t)

	_, _, err := Encrypt([]byte("m"), make([]byte, 31), alice.secret[:])
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = Decrypt(make([]byte, 32), make([]byte, NonceSize), alice.Public[:], make([]byte, 5))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	_, err = Decrypt(make([]byte, 32), make([]byte, 7), alice.Public[:], alice.secret[:])
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = Decrypt(make([]byte, 3), make([]byte, NonceSize), alice.Public[:], alice.secret[:])
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDestroyWipesSecret(t *testing.T) {
	alice, bob := newPair(t), newPair(t)
	alice.Destroy()

	assert.Equal(t, [KeySize]byte{}, alice.secret)
	_, _, err := alice.Seal([]byte("m"), bob.Public)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestSecretNeverSerialized(t *testing.T) {
	kp := newPair(t)

	data, err := json.Marshal(kp)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), kp.Public.String())

	printed := fmt.Sprintf("%v %s", kp, kp)
	assert.NotContains(t, printed, fmt.Sprint(kp.secret[:]))
}

func TestPublicKeyText(t *testing.T) {
	kp := newPair(t)

	text, err := kp.Public.MarshalText()
	require.NoError(t, err)

	var pk PublicKey
	require.NoError(t, pk.UnmarshalText(text))
	assert.Equal(t, kp.Public, pk)

	_, err = ParsePublicKey("AAAA")
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
	_, err = ParsePublicKey("%%%")
	assert.Error(t, err)
}
