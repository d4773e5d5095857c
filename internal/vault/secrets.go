package vault

import (
	"fmt"

	"github.com/aamat-dev/crew-ia/internal/store"
	"github.com/google/uuid"
)

// Secrets keeps sealed values in the store.
type Secrets struct {
	vault *Vault
	store *store.Store
}

func NewSecrets(v *Vault, s *store.Store) *Secrets {
	return &Secrets{vault: v, store: s}
}

func (s *Secrets) Set(name, description string, value []byte) error {
	ciphertext, nonce, err := s.vault.Seal(name, value)
	if err != nil {
		return err
	}
	return s.store.SaveSecret(&store.Secret{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	})
}

// Get opens a stored secret. It has the shape of worker.KeyResolver.
func (s *Secrets) Get(name string) (string, error) {
	sec, err := s.store.GetSecretByName(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	plaintext, err := s.vault.Open(name, sec.Value, sec.Nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Secrets) Delete(name string) error {
	return s.store.DeleteSecret(name)
}

func (s *Secrets) List() ([]store.Secret, error) {
	return s.store.ListSecrets()
}
