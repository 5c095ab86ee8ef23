package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptGCMRandomizesOutput(t *testing.T) {
	secret := []byte("test-secret")
	block := []byte("plaintext block")

	a, err := encryptGCM(secret, block)
	require.NoError(t, err)
	b, err := encryptGCM(secret, block)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "random nonces must produce distinct ciphertexts")
}

func TestEncryptGCMDeterministicIsStable(t *testing.T) {
	secret := []byte("test-secret")
	block := []byte(derivationMarker)

	a, err := encryptGCMDeterministic(secret, block)
	require.NoError(t, err)
	b, err := encryptGCMDeterministic(secret, block)
	require.NoError(t, err)

	assert.Equal(t, a, b, "same secret and block must encrypt identically")
}

func TestEncryptGCMDeterministicVariesBySecret(t *testing.T) {
	block := []byte(derivationMarker)

	a, err := encryptGCMDeterministic([]byte("secret-a"), block)
	require.NoError(t, err)
	b, err := encryptGCMDeterministic([]byte("secret-b"), block)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestEncryptGCMDeterministicVariesByBlock(t *testing.T) {
	secret := []byte("test-secret")

	a, err := encryptGCMDeterministic(secret, []byte("block one"))
	require.NoError(t, err)
	b, err := encryptGCMDeterministic(secret, []byte("block two"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
