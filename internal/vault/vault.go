// Package vault encrypts provider secrets with a key derived from a
// passphrase.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrNoPassphrase = errors.New("vault passphrase is not set")

// Vault seals values with XChaCha20-Poly1305. The secret's name is bound as
// associated data, so a sealed value only opens under the name it was
// stored with.
type Vault struct {
	key [chacha20poly1305.KeySize]byte
}

// New derives the key from passphrase with Argon2id. The salt is a digest
// of the passphrase, so the same passphrase yields the same key on every
// start.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	salt := sha256.Sum256([]byte("crew-vault:" + passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, chacha20poly1305.KeySize)

	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

func (v *Vault) Seal(name string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, []byte(name)), nonce, nil
}

func (v *Vault) Open(name string, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("open %s: bad nonce length %d", name, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return plaintext, nil
}
