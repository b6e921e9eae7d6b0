package crypto

import (
	"encoding/hex"
	"testing"
)

func TestNewSessionToken(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		token, err := NewSessionToken()
		if err != nil {
			t.Fatalf("NewSessionToken: %v", err)
		}
		if len(token) != sessionTokenBytes*2 {
			t.Fatalf("token length %d, want %d", len(token), sessionTokenBytes*2)
		}
		if _, err := hex.DecodeString(token); err != nil {
			t.Fatalf("token is not hex: %v", err)
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token %s", token)
		}
		seen[token] = struct{}{}
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if string(hash) == "hunter2hunter2" {
		t.Fatal("hash equals plaintext")
	}
	if err := ComparePassword(hash, "hunter2hunter2"); err != nil {
		t.Fatalf("ComparePassword: %v", err)
	}
	if err := ComparePassword(hash, "wrong"); err == nil {
		t.Fatal("ComparePassword accepted wrong password")
	}
}
