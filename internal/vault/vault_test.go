package vault

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/store"
)

func mustVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := mustVault(t, "test-passphrase")
	plaintext := []byte("hello, vault!")

	ciphertext, nonce, err := v.Seal("anthropic", plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(nonce) != 24 {
		t.Errorf("expected extended nonce, got %d bytes", len(nonce))
	}

	decrypted, err := v.Open("anthropic", ciphertext, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := mustVault(t, "correct-passphrase")
	v2 := mustVault(t, "wrong-passphrase")

	ciphertext, nonce, err := v1.Seal("k", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := v2.Open("k", ciphertext, nonce); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestNameIsBound(t *testing.T) {
	v := mustVault(t, "p")
	ciphertext, nonce, _ := v.Seal("anthropic", []byte("sk-1"))
	if _, err := v.Open("openai", ciphertext, nonce); err == nil {
		t.Fatal("expected sealed value to fail under another name")
	}
}

func TestEmptyPassphrase(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrNoPassphrase) {
		t.Fatalf("expected ErrNoPassphrase, got %v", err)
	}
}

func TestSecretsStore(t *testing.T) {
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "crew.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	s := NewSecrets(mustVault(t, "p"), st)
	if err := s.Set("anthropic", "provider key", []byte("sk-ant")); err != nil {
		t.Fatalf("set: %v", err)
	}

	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"anthropic", "sk-ant", false},
		{"missing", "", true},
	}
	for _, tt := range tests {
		got, err := s.Get(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Get(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Get(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	row, _ := st.GetSecretByName("anthropic")
	if row == nil || bytes.Contains(row.Value, []byte("sk-ant")) {
		t.Fatal("expected ciphertext at rest")
	}

	if err := s.Delete("anthropic"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("anthropic"); err == nil {
		t.Error("expected deleted secret to be gone")
	}
}
