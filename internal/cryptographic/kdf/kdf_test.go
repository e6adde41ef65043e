package kdf

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// RFC 5869 A.1
func TestExpandKnownVector(t *testing.T) {
	ikm := unhex(t, "0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b")
	salt := unhex(t, "000102030405060708090a0b0c")
	info := string(unhex(t, "f0f1f2f3f4f5f6f7f8f9"))

	got, err := Expand(ikm, salt, info, 42)
	require.NoError(t, err)
	assert.Equal(t, "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865", hex.EncodeToString(got))
}

func TestExpandBindsInfo(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	a, err := Expand(secret, nil, "FrameKey", 28)
	require.NoError(t, err)
	b, err := Expand(secret, nil, "OtherKey", 28)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestExpandTooLong(t *testing.T) {
	_, err := Expand([]byte("secret"), nil, "x", 255*32+1)
	assert.Error(t, err)
}
