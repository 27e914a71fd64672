// Package tokenstore implements load/save of a rotating refresh token as an
// opaque blob. The only contract callers rely on is load∘save = identity on
// the same host plus restricted file permissions; the scheme below is a
// versioned, file-backed keystore encrypting with ChaCha20-Poly1305.
package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const blobFileName = "refresh.blob"
const keystoreFileName = "kms.keys"

// keystore is the on-disk JSON format for persisted encryption keys.
type keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64(32-byte key)
}

// Store persists a rotating refresh token, encrypted at rest.
type Store struct {
	mu    sync.RWMutex
	path  string // keystore path
	store keystore
	keys  map[int][]byte
}

// Load opens or creates the keystore rooted at rootPath. platformTag is
// accepted but unused: the on-disk layout does not vary by platform.
func Load(platformTag, rootPath string) (*Store, error) {
	_ = platformTag
	s := &Store{
		path: filepath.Join(rootPath, keystoreFileName),
		keys: make(map[int][]byte),
	}

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(rootPath, 0700); err != nil {
			return nil, fmt.Errorf("tokenstore: create root dir: %w", err)
		}
		key, err := newKey()
		if err != nil {
			return nil, err
		}
		s.store = keystore{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
		}
		s.keys[1] = key
		if err := s.persist(); err != nil {
			return nil, err
		}
		return s, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &s.store); err != nil {
		return nil, fmt.Errorf("tokenstore: parse keystore: %w", err)
	}
	for vStr, encoded := range s.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("tokenstore: invalid key version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("tokenstore: decode key v%d: %w", v, err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("tokenstore: key v%d invalid length %d", v, len(key))
		}
		s.keys[v] = key
	}
	if _, ok := s.keys[s.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("tokenstore: active version %d not in keystore", s.store.ActiveVersion)
	}
	return s, nil
}

// Rotate generates a new active encryption key; previously written blobs
// remain decryptable under their original key version.
func (s *Store) Rotate() (version int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := newKey()
	if err != nil {
		return 0, err
	}
	newVersion := s.store.ActiveVersion + 1
	s.store.Keys[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(key)
	s.store.ActiveVersion = newVersion
	s.keys[newVersion] = key

	if err := s.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Save writes token, encrypted under the active key, to rootPath/refresh.blob
// with owner-only permissions.
func (s *Store) Save(rootPath, token string) error {
	s.mu.RLock()
	version := s.store.ActiveVersion
	key := s.keys[version]
	s.mu.RUnlock()

	ct, err := seal(key, []byte(token))
	if err != nil {
		return fmt.Errorf("tokenstore: encrypt: %w", err)
	}
	blob := fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct))

	path := filepath.Join(rootPath, blobFileName)
	if err := os.WriteFile(path, []byte(blob), 0600); err != nil {
		return fmt.Errorf("tokenstore: write blob: %w", err)
	}
	return os.Chmod(path, 0600)
}

// LoadToken reads and decrypts rootPath/refresh.blob. It returns ("", nil)
// if no blob exists yet.
func (s *Store) LoadToken(rootPath string) (string, error) {
	path := filepath.Join(rootPath, blobFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenstore: read blob: %w", err)
	}

	version, payload, err := parseVersioned(string(data))
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	key, ok := s.keys[version]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tokenstore: unknown key version %d", version)
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("tokenstore: decode blob: %w", err)
	}
	pt, err := open(key, ct)
	if err != nil {
		return "", fmt.Errorf("tokenstore: decrypt: %w", err)
	}
	return string(pt), nil
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: marshal keystore: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("tokenstore: write keystore: %w", err)
	}
	return nil
}

func newKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("tokenstore: generate key: %w", err)
	}
	return key, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("tokenstore: ciphertext too short")
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("tokenstore: missing version prefix")
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("tokenstore: malformed blob")
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("tokenstore: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}
