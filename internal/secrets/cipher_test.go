package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCipher_EmptyKey(t *testing.T) {
	_, err := NewCipher("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestCipher_SealOpen(t *testing.T) {
	c, err := NewCipher("master-key")
	require.NoError(t, err)

	doc := []byte(`{"type":"service_account","private_key":"xyz"}`)
	sealed, err := c.Seal(doc)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("service_account")))

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, doc, opened)
}

func TestCipher_NonceIsRandom(t *testing.T) {
	c, err := NewCipher("master-key")
	require.NoError(t, err)

	a, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipher_WrongKey(t *testing.T) {
	a, err := NewCipher("key-a")
	require.NoError(t, err)
	b, err := NewCipher("key-b")
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCipher_ShortCiphertext(t *testing.T) {
	c, err := NewCipher("k")
	require.NoError(t, err)
	_, err = c.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCipher_SealEmpty(t *testing.T) {
	c, err := NewCipher("k")
	require.NoError(t, err)
	_, err = c.Seal(nil)
	assert.Error(t, err)
}

func TestWipe(t *testing.T) {
	b := []byte("secret")
	Wipe(b)
	assert.Equal(t, make([]byte, 6), b)
}
