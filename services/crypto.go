package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength  = 64
	nonceLength = 16
	tagLength   = 16
	keyLength   = 32
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// PasswordCipher decrypts document passwords stored with the task. The
// encoded form is base64(salt | nonce | tag | ciphertext); the AES-256-GCM
// key is derived from the shared secret with PBKDF2-SHA512.
type PasswordCipher struct {
	secret     []byte
	iterations int
}

func NewPasswordCipher(secret string, iterations int) *PasswordCipher {
	if iterations <= 0 {
		iterations = 100000
	}
	return &PasswordCipher{secret: []byte(secret), iterations: iterations}
}

func (c *PasswordCipher) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, c.iterations, keyLength, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceLength)
}

func (c *PasswordCipher) Encrypt(plain string) (string, error) {
	buf := make([]byte, saltLength+nonceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	salt, nonce := buf[:saltLength], buf[saltLength:]
	aead, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plain), nil)
	ct, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	out := make([]byte, 0, len(buf)+len(sealed))
	out = append(out, buf...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *PasswordCipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode password: %w", err)
	}
	if len(raw) < saltLength+nonceLength+tagLength {
		return "", ErrCiphertextTooShort
	}
	salt := raw[:saltLength]
	nonce := raw[saltLength : saltLength+nonceLength]
	tag := raw[saltLength+nonceLength : saltLength+nonceLength+tagLength]
	ct := raw[saltLength+nonceLength+tagLength:]

	aead, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, append(append([]byte{}, ct...), tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt password: %w", err)
	}
	return string(plain), nil
}
