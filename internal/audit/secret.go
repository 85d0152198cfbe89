package audit

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// SecretSize is the length of the HMAC key in bytes
const SecretSize = 32

// SecretFileName is the key file created inside the data directory
const SecretFileName = ".audit_secret"

// LoadOrCreateSecret reads the signing key from dataDir, generating it on
// first run. An existing key that cannot be read or has the wrong length
// is an error; callers must refuse to start rather than sign with a new key.
func LoadOrCreateSecret(dataDir string) ([]byte, bool, error) {
	path := filepath.Join(dataDir, SecretFileName)

	secret, err := ReadSecret(dataDir)
	if err == nil {
		return secret, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, false, fmt.Errorf("failed to create data directory: %w", err)
	}

	secret = make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, false, fmt.Errorf("failed to generate audit secret: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		// another process won the race
		secret, err = ReadSecret(dataDir)
		return secret, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create audit secret: %w", err)
	}
	if _, err := f.Write(secret); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("failed to write audit secret: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to write audit secret: %w", err)
	}
	return secret, true, nil
}

// ReadSecret reads an existing signing key. A missing file yields an error
// wrapping fs.ErrNotExist.
func ReadSecret(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, SecretFileName)

	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit secret: %w", err)
	}
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("audit secret %s has %d bytes, want %d", path, len(secret), SecretSize)
	}
	return secret, nil
}
