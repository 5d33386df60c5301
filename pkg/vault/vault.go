package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	tokenSaltSize = 16
	keyFileMode   = 0o600
	keyDirMode    = 0o700
)

var (
	// ErrAuthentication is matched by every AuthenticationError.
	ErrAuthentication = errors.New("authentication failed")

	// ErrClosed is returned after the vault has been closed.
	ErrClosed = errors.New("vault closed")
)

// AuthenticationError is returned when a token cannot be redeemed.
type AuthenticationError struct {
	Reason string
}

// Error implements error.
func (e *AuthenticationError) Error() string {
	return e.Reason
}

// Unwrap allows errors.Is(err, ErrAuthentication).
func (e *AuthenticationError) Unwrap() error {
	return ErrAuthentication
}

// Vault keeps credential pairs encrypted in memory and hands out opaque
// tokens that can later be exchanged for an Authorization header value.
type Vault struct {
	log    logrus.FieldLogger
	mu     sync.RWMutex
	key    []byte
	aead   cipher.AEAD
	blobs  map[string][]byte
	closed bool
}

// New loads the encryption key from keyPath, creating it on first use.
func New(log logrus.FieldLogger, keyPath string) (*Vault, error) {
	key, err := loadOrCreateKey(log, keyPath)
	if err != nil {
		return nil, err
	}

	return NewWithKey(log, key)
}

// NewWithKey creates a vault from an existing 32-byte key.
func NewWithKey(log logrus.FieldLogger, key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key length %d, expected %d", len(key), chacha20poly1305.KeySize)
	}

	owned := make([]byte, len(key))
	copy(owned, key)

	aead, err := chacha20poly1305.NewX(owned)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	return &Vault{
		log:   log.WithField("component", "vault"),
		key:   owned,
		aead:  aead,
		blobs: make(map[string][]byte, 4),
	}, nil
}

// Store encrypts the credential pair and returns a token referencing it.
func (v *Vault) Store(principal, secret string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return "", ErrClosed
	}

	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(principal)+len(secret)+1+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	blob := v.aead.Seal(nonce, nonce, []byte(principal+":"+secret), nil)

	salt := make([]byte, tokenSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating token salt: %w", err)
	}

	h := sha256.New()
	h.Write(blob)
	h.Write(salt)

	token := base64.URLEncoding.EncodeToString(h.Sum(nil))
	v.blobs[token] = blob

	v.log.WithField("tokens", len(v.blobs)).Debug("Stored credential")

	return token, nil
}

// Resolve exchanges a token for a Basic Authorization header value.
func (v *Vault) Resolve(token string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return "", ErrClosed
	}

	blob, ok := v.blobs[token]
	if !ok {
		return "", &AuthenticationError{Reason: "Invalid or expired token"}
	}

	ns := v.aead.NonceSize()
	if len(blob) < ns {
		return "", &AuthenticationError{Reason: "Invalid or expired token"}
	}

	plain, err := v.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return "", &AuthenticationError{Reason: "Credential could not be decrypted"}
	}

	return "Basic " + base64.StdEncoding.EncodeToString(plain), nil
}

// Invalidate forgets a single token.
func (v *Vault) Invalidate(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.blobs, token)
}

// InvalidateAll forgets every token.
func (v *Vault) InvalidateAll() {
	v.mu.Lock()
	defer v.mu.Unlock()

	clear(v.blobs)
}

// Len returns the number of live tokens.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return len(v.blobs)
}

// Close drops all tokens and wipes the key from memory. It is safe to call more than once.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}

	clear(v.blobs)

	for i := range v.key {
		v.key[i] = 0
	}

	v.aead = nil
	v.closed = true

	return nil
}

// loadOrCreateKey reads a base64 key file, generating and persisting a new key
// with owner-only permissions when none exists.
func loadOrCreateKey(log logrus.FieldLogger, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if err := restrictKeyMode(log, path); err != nil {
			return nil, err
		}

		return decodeKey(path, data)
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), keyDirMode); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, keyFileMode)
	if err != nil {
		// Another process created it between the read and the open.
		if errors.Is(err, fs.ErrExist) {
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return nil, fmt.Errorf("reading key file: %w", readErr)
			}

			return decodeKey(path, data)
		}

		return nil, fmt.Errorf("creating key file: %w", err)
	}

	defer f.Close()

	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key) + "\n"); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("syncing key file: %w", err)
	}

	log.WithField("path", path).Info("Generated new credential encryption key")

	return key, nil
}

// restrictKeyMode tightens an existing key file that group or others can access.
func restrictKeyMode(log logrus.FieldLogger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking key file: %w", err)
	}

	if info.Mode().Perm()&0o077 == 0 {
		return nil
	}

	log.WithFields(logrus.Fields{
		"path": path,
		"mode": info.Mode().Perm().String(),
	}).Warn("Key file is accessible to other users, restricting to owner")

	if err := os.Chmod(path, keyFileMode); err != nil {
		return fmt.Errorf("restricting key file mode: %w", err)
	}

	return nil
}

func decodeKey(path string, data []byte) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key file %s is corrupt", path)
	}

	return key, nil
}
