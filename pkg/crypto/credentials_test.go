package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestCredentialEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewCredentialEncryptor("test-passphrase")
	if err != nil {
		t.Fatalf("NewCredentialEncryptor: %v", err)
	}

	plaintext := `{"host":"db.example.com","password":"hunter2"}`
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("round trip mismatch: got %q", decrypted)
	}
}

func TestCredentialEncryptor_EmptyStrings(t *testing.T) {
	enc, err := NewCredentialEncryptor("key")
	if err != nil {
		t.Fatal(err)
	}

	ct, err := enc.Encrypt("")
	if err != nil || ct != "" {
		t.Errorf("Encrypt(\"\") = (%q, %v), want (\"\", nil)", ct, err)
	}
	pt, err := enc.Decrypt("")
	if err != nil || pt != "" {
		t.Errorf("Decrypt(\"\") = (%q, %v), want (\"\", nil)", pt, err)
	}
}

func TestCredentialEncryptor_WrongKey(t *testing.T) {
	enc1, _ := NewCredentialEncryptor("key-one")
	enc2, _ := NewCredentialEncryptor("key-two")

	ciphertext, err := enc1.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}

	_, err = enc2.Decrypt(ciphertext)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestCredentialEncryptor_Base64Key(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	enc, err := NewCredentialEncryptor(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("base64 key rejected: %v", err)
	}

	ct, err := enc.Encrypt("value")
	if err != nil {
		t.Fatal(err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil || pt != "value" {
		t.Errorf("round trip with base64 key failed: (%q, %v)", pt, err)
	}
}

func TestNewCredentialEncryptor_EmptyKey(t *testing.T) {
	_, err := NewCredentialEncryptor("")
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
