// Package credential stores the upstream API key sealed under a
// user-chosen password. The sealed file is only a local obfuscation
// boundary, not a substitute for a real secret manager.
package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	saltLen = 16

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Store keeps the sealed key on disk and the opened key in memory for the
// life of the process. The raw key never appears in logs.
type Store struct {
	mu     sync.RWMutex
	path   string
	key    string
	logger *slog.Logger
}

func NewStore(log *slog.Logger, path string) *Store {
	return &Store{
		path:   path,
		logger: log.With(slog.String("service", "credential")),
	}
}

// HasKey reports whether an unlocked key is available in memory.
func (s *Store) HasKey() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != ""
}

// HasSealedKey reports whether a sealed key file exists on disk.
func (s *Store) HasSealedKey() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// CurrentKey returns the unlocked key, or an empty string.
func (s *Store) CurrentKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// Seal encrypts the key under the password and writes the sealed file.
func (s *Store) Seal(password, apiKey string) error {
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("password is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return fmt.Errorf("api key is required")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	aead, err := deriveAEAD(password, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(apiKey), nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credential dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, blob, 0o600); err != nil {
		return fmt.Errorf("write sealed key: %w", err)
	}

	s.mu.Lock()
	s.key = apiKey
	s.mu.Unlock()
	s.logger.Info("credential sealed", slog.String("key", Mask(apiKey)))
	return nil
}

// Unlock opens the sealed file with the password. A wrong password
// returns false without further detail.
func (s *Store) Unlock(password string) bool {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("sealed key unavailable", slog.Any("error", err))
		return false
	}
	if len(blob) < saltLen+chacha20poly1305.NonceSizeX {
		s.logger.Warn("sealed key file truncated")
		return false
	}
	salt := blob[:saltLen]
	aead, err := deriveAEAD(password, salt)
	if err != nil {
		s.logger.Warn("key derivation failed", slog.Any("error", err))
		return false
	}
	nonce := blob[saltLen : saltLen+aead.NonceSize()]
	sealed := blob[saltLen+aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return false
	}

	s.mu.Lock()
	s.key = string(plain)
	s.mu.Unlock()
	s.logger.Info("credential unlocked", slog.String("key", Mask(string(plain))))
	return true
}

// Forget drops the in-memory key; the sealed file stays.
func (s *Store) Forget() {
	s.mu.Lock()
	s.key = ""
	s.mu.Unlock()
}

func deriveAEAD(password string, salt []byte) (cipher.AEAD, error) {
	dk, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	a, err := chacha20poly1305.NewX(dk)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return a, nil
}

// Mask hides all but the first characters of a key for log output.
func Mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + strings.Repeat("*", len(key)-8)
}
