package services

import (
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OutboxSigner produces the authorization header attached to downloads the
// platform asks to be authorized.
type OutboxSigner struct {
	secret    []byte
	header    string
	prefix    string
	expires   time.Duration
	exclusion *regexp.Regexp
	now       func() time.Time
}

// NewOutboxSigner returns nil when secret is empty. exclusion is a regular
// expression of URLs that must never receive the token.
func NewOutboxSigner(secret, header, prefix string, expires time.Duration, exclusion string) (*OutboxSigner, error) {
	if secret == "" {
		return nil, nil
	}
	s := &OutboxSigner{
		secret:  []byte(secret),
		header:  header,
		prefix:  prefix,
		expires: expires,
		now:     time.Now,
	}
	if s.header == "" {
		s.header = "Authorization"
	}
	if exclusion != "" {
		re, err := regexp.Compile(exclusion)
		if err != nil {
			return nil, fmt.Errorf("invalid outbox exclusion: %w", err)
		}
		s.exclusion = re
	}
	return s, nil
}

// CanSign reports whether rawURL may carry the token.
func (s *OutboxSigner) CanSign(rawURL string) bool {
	if s == nil {
		return false
	}
	return s.exclusion == nil || !s.exclusion.MatchString(rawURL)
}

// Header returns the header name and value for rawURL.
func (s *OutboxSigner) Header(rawURL string) (string, string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"payload": map[string]any{"url": rawURL},
		"iat":     now.Unix(),
	}
	if s.expires > 0 {
		claims["exp"] = now.Add(s.expires).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign outbox token: %w", err)
	}
	return s.header, s.prefix + token, nil
}
