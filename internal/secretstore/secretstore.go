// Package secretstore supplies signing key material to the credential
// authority without the authority knowing where keys live.
package secretstore

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync"
)

const envKey = "WARDEN_SIGNING_KEY"

// Store hands out the current HMAC signing key. Implementations must be
// safe for concurrent use. Rotation replaces the key in place; credentials
// signed with the old key stop verifying, which is the point of rotating.
type Store interface {
	SigningKey() ([]byte, error)
	RotateSigningKey() ([]byte, error)
}

func randomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Env reads the initial signing key from the WARDEN_SIGNING_KEY
// environment variable; rotation swaps to a random in-process key.
type Env struct {
	mu  sync.Mutex
	key []byte
}

func NewEnv() (*Env, error) {
	v := os.Getenv(envKey)
	if v == "" {
		return nil, fmt.Errorf("%s is not set", envKey)
	}
	if len(v) < 32 {
		return nil, fmt.Errorf("%s must be at least 32 bytes", envKey)
	}
	return &Env{key: []byte(v)}, nil
}

func (e *Env) SigningKey() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key, nil
}

func (e *Env) RotateSigningKey() ([]byte, error) {
	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.key = key
	e.mu.Unlock()
	return key, nil
}

// Static starts from a fixed key, for tests and local development.
type Static struct {
	mu  sync.Mutex
	key []byte
}

func NewStatic(key []byte) *Static {
	return &Static{key: key}
}

func (s *Static) SigningKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.key) == 0 {
		return nil, fmt.Errorf("static store has no key")
	}
	return s.key, nil
}

func (s *Static) RotateSigningKey() ([]byte, error) {
	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	return key, nil
}
