// Package auth provides device credential helpers.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// KeySize is the raw byte length of generated device keys.
const KeySize = 32

// Validator validates a presented credential.
type Validator interface {
	Validate(key string) error
}

// DeviceKey validates credentials against one stored device key.
type DeviceKey struct {
	Key string
}

func (d DeviceKey) Validate(key string) error {
	if d.Key == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(d.Key), []byte(key)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(key string) error

func (f FuncValidator) Validate(key string) error {
	return f(key)
}

// GenerateKey returns a new base64 symmetric key.
func GenerateKey() (string, error) {
	buf := make([]byte, KeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Fingerprint returns a short, log-safe digest of a key.
func Fingerprint(key string) string {
	if key == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
