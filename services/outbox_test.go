package services

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewOutboxSigner_EmptySecret(t *testing.T) {
	s, err := NewOutboxSigner("", "", "", 0, "")
	if err != nil || s != nil {
		t.Fatalf("expected nil signer, got %v, %v", s, err)
	}
	if s.CanSign("http://example.com") {
		t.Error("nil signer must not sign")
	}
}

func TestOutboxSigner_Header(t *testing.T) {
	t.Parallel()

	s, err := NewOutboxSigner("secret", "", "Bearer ", 5*time.Minute, `^https://private\.`)
	if err != nil {
		t.Fatalf("NewOutboxSigner failed: %v", err)
	}
	fixed := time.Now().Truncate(time.Second)
	s.now = func() time.Time { return fixed }

	if s.CanSign("https://private.example.com/a") {
		t.Error("excluded url must not be signed")
	}
	if !s.CanSign("https://files.example.com/a") {
		t.Error("url should be signable")
	}

	name, value, err := s.Header("https://files.example.com/a")
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if name != "Authorization" {
		t.Errorf("header name = %q", name)
	}
	if !strings.HasPrefix(value, "Bearer ") {
		t.Fatalf("missing prefix: %q", value)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimPrefix(value, "Bearer "), claims, func(*jwt.Token) (any, error) {
		return []byte("secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	payload, _ := claims["payload"].(map[string]any)
	if payload["url"] != "https://files.example.com/a" {
		t.Errorf("payload = %v", claims["payload"])
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || !exp.Equal(fixed.Add(5*time.Minute)) {
		t.Errorf("exp = %v, %v", exp, err)
	}
}

func TestNewOutboxSigner_InvalidExclusion(t *testing.T) {
	if _, err := NewOutboxSigner("secret", "", "", 0, "("); err == nil {
		t.Error("invalid exclusion must fail")
	}
}
