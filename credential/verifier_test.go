package credential

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewCipher_Validation(t *testing.T) {
	_, err := NewCipher("zz")
	assert.Error(t, err)
	_, err = NewCipher("0011")
	assert.Error(t, err)
	_, err = NewCipher(testKey)
	assert.NoError(t, err)
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt("s3cret")
	require.NoError(t, err)
	b, err := c.Encrypt("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonces are random")

	plain, err := c.Decrypt(a)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestCipher_RejectsTampering(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	sealed, err := c.Encrypt("s3cret")
	require.NoError(t, err)

	tampered := []byte(sealed)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}
	_, err = c.Decrypt(string(tampered))
	assert.ErrorIs(t, err, ErrMalformedSecret)

	_, err = c.Decrypt("not base64!")
	assert.ErrorIs(t, err, ErrMalformedSecret)
	_, err = c.Decrypt("AAAA")
	assert.ErrorIs(t, err, ErrMalformedSecret)

	other, err := NewCipher(strings.Repeat("ff", 32))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrMalformedSecret)
}

func TestVerifier(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	store := newMemStore()
	layer, err := NewLayer(NewMemoryCache(10, time.Minute), store, time.Minute)
	require.NoError(t, err)
	v := NewVerifier(layer, c)
	ctx := context.Background()

	cred := newCredential("portal")
	cred.EncryptedClientSecret, err = c.Encrypt("s3cret")
	require.NoError(t, err)
	require.NoError(t, layer.Write(ctx, cred))

	got, err := v.Verify(ctx, cred.ClientID, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, cred.ClientID, got.ClientID)

	_, err = v.Verify(ctx, cred.ClientID, "wrong")
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = v.Verify(ctx, uuid.New(), "s3cret")
	assert.ErrorIs(t, err, ErrUnknownClient)

	inactive := newCredential("disabled")
	inactive.IsActive = false
	inactive.EncryptedClientSecret = cred.EncryptedClientSecret
	require.NoError(t, layer.Write(ctx, inactive))
	_, err = v.Verify(ctx, inactive.ClientID, "s3cret")
	assert.ErrorIs(t, err, ErrUnknownClient)

	garbled := newCredential("garbled")
	garbled.EncryptedClientSecret = "garbage"
	require.NoError(t, layer.Write(ctx, garbled))
	_, err = v.Verify(ctx, garbled.ClientID, "s3cret")
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestVerifier_Register(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	store := newMemStore()
	layer, err := NewLayer(NewMemoryCache(10, time.Minute), store, time.Minute)
	require.NoError(t, err)
	v := NewVerifier(layer, c)
	ctx := context.Background()

	cred := newCredential("portal")
	cred.CreatedAt = 0
	require.NoError(t, v.Register(ctx, cred, "s3cret"))

	got, err := v.Verify(ctx, cred.ClientID, "s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", got.EncryptedClientSecret)
	assert.NotZero(t, got.CreatedAt)
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)

	// rotating the secret replaces the cached copy
	require.NoError(t, v.Register(ctx, *got, "rotated"))
	_, err = v.Verify(ctx, cred.ClientID, "s3cret")
	assert.ErrorIs(t, err, ErrInvalidSecret)
	again, err := v.Verify(ctx, cred.ClientID, "rotated")
	require.NoError(t, err)
	assert.Equal(t, got.CreatedAt, again.CreatedAt)

	assert.Error(t, v.Register(ctx, cred, ""))
}
