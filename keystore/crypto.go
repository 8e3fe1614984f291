package keystore

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// deriveKey runs argon2 over passphrase the same way the reference
// statefile's at-rest encryption does, trading a fixed, unsalted KDF
// call for simplicity: this is an optional local convenience, not the
// module's security boundary (that's the OTP keystream itself).
func deriveKey(passphrase []byte) [keySize]byte {
	derived := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	var key [keySize]byte
	copy(key[:], derived)
	return key
}

// seal encrypts plaintext under passphrase with a fresh random nonce,
// prefixed to the ciphertext, using secretbox the way the reference
// statefile seals its own state blob.
func seal(passphrase, plaintext []byte) ([]byte, error) {
	key := deriveKey(passphrase)
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("keystore: seal: %w", err)
	}
	out := make([]byte, 0, nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, &key), nil
}

// unseal reverses seal.
func unseal(passphrase, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("keystore: unseal: payload shorter than nonce")
	}
	key := deriveKey(passphrase)
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("keystore: unseal: authentication failed")
	}
	return plaintext, nil
}
