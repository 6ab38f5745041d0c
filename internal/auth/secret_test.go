package auth

import "testing"

func TestRefreshSecretHashing(t *testing.T) {
	secret, err := NewRefreshSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(secret) < 40 {
		t.Errorf("secret suspiciously short: %d chars", len(secret))
	}
	hash := HashSecret(secret)
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}
	if !secretMatchesHash(secret, hash) {
		t.Error("secret does not match its own hash")
	}
	if secretMatchesHash(secret+"x", hash) {
		t.Error("tampered secret matches hash")
	}
	if secretMatchesHash("", hash) {
		t.Error("empty secret matches hash")
	}
}
