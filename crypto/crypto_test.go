package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestNewAESSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", testKey(), false},
		{"empty", "", true},
		{"not base64", "%%%", true},
		{"short key", base64.StdEncoding.EncodeToString([]byte("short")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESSealer(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAESSealer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewAESSealer(testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := s.Seal("oauth:abc123")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "abc123") {
		t.Error("sealed value leaks plaintext")
	}
	again, _ := s.Seal("oauth:abc123")
	if again == sealed {
		t.Error("two seals of the same value should differ (random nonce)")
	}
	got, err := s.Open(sealed)
	if err != nil || got != "oauth:abc123" {
		t.Errorf("Open() = %q, %v", got, err)
	}
}

func TestSealEmpty(t *testing.T) {
	s, _ := NewAESSealer(testKey())
	if v, err := s.Seal(""); v != "" || err != nil {
		t.Errorf("Seal(\"\") = %q, %v", v, err)
	}
	if v, err := s.Open(""); v != "" || err != nil {
		t.Errorf("Open(\"\") = %q, %v", v, err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s, _ := NewAESSealer(testKey())
	sealed, _ := s.Seal("secret")
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := s.Open(base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrOpen) {
		t.Errorf("tampered Open() error = %v, want ErrOpen", err)
	}
	if _, err := s.Open(base64.StdEncoding.EncodeToString([]byte("tiny"))); !errors.Is(err, ErrOpen) {
		t.Errorf("short Open() error = %v, want ErrOpen", err)
	}

	other, _ := NewAESSealer(base64.StdEncoding.EncodeToString([]byte("ffffffffffffffffffffffffffffffff")))
	if _, err := other.Open(sealed); !errors.Is(err, ErrOpen) {
		t.Errorf("wrong-key Open() error = %v, want ErrOpen", err)
	}
}
