package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"appguard/internal/security"
)

// encryptGCM encrypts block under an AES-256-GCM key derived from secret
// with a fresh random nonce. Output is nonce || ciphertext.
func encryptGCM(secret, block []byte) ([]byte, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if err := security.GenerateSecureRandom(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, block, nil), nil
}

// encryptGCMDeterministic encrypts block under secret with a nonce derived
// from the block itself. Only valid when a given block is the sole plaintext
// ever encrypted for its purpose, as with the HMAC derivation marker; the
// determinism is what keeps derived MAC keys stable across process restarts.
func encryptGCMDeterministic(secret, block []byte) ([]byte, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	nonceSeed := sha256.Sum256(append([]byte("appguard:derivation-nonce:"), block...))
	nonce := nonceSeed[:aead.NonceSize()]
	return aead.Seal(nil, nonce, block, nil), nil
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(secret)
	blockCipher, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher init: %w", err)
	}
	return cipher.NewGCM(blockCipher)
}
