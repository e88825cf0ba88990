package keys

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	pair, err := Generate()
	require.NoError(t, err)

	pem, err := pair.PublicPEM()
	require.NoError(t, err)
	pub, err := ParsePublicPEM(pem)
	require.NoError(t, err)

	plaintext := []byte("hello bob")
	payload, err := Encrypt(pub, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, payload, "hello")

	decrypted, err := pair.Decrypt(payload)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, decrypted))
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	bob, err := Generate()
	require.NoError(t, err)

	pem, err := bob.PublicPEM()
	require.NoError(t, err)
	bobPub, err := ParsePublicPEM(pem)
	require.NoError(t, err)

	payload, err := Encrypt(bobPub, []byte("for bob only"))
	require.NoError(t, err)

	_, err = alice.Decrypt(payload)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptGarbageFails(t *testing.T) {
	pair, err := Generate()
	require.NoError(t, err)

	_, err = pair.Decrypt("not base64 at all!!!")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = pair.Decrypt("dmFsaWQgYmFzZTY0IGJ1dCBub3QgY2lwaGVydGV4dA==")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptCapsPlaintextSize(t *testing.T) {
	pair, err := Generate()
	require.NoError(t, err)
	pem, err := pair.PublicPEM()
	require.NoError(t, err)
	pub, err := ParsePublicPEM(pem)
	require.NoError(t, err)

	limit := MaxPlaintext(pub)

	_, err = Encrypt(pub, make([]byte, limit))
	assert.NoError(t, err)

	_, err = Encrypt(pub, make([]byte, limit+1))
	assert.ErrorIs(t, err, ErrPlaintextTooLarge)
}

func TestLoadOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.key")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrCreate(path)
	require.NoError(t, err)

	firstPEM, err := first.PublicPEM()
	require.NoError(t, err)
	secondPEM, err := second.PublicPEM()
	require.NoError(t, err)
	assert.Equal(t, firstPEM, secondPEM)
}

func TestParsePublicPEMRejectsGarbage(t *testing.T) {
	_, err := ParsePublicPEM("definitely not pem")
	assert.Error(t, err)
}
