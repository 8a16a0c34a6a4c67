// Package creds stores secrets encrypted at rest. The encryption key is
// derived from machine-local identity, so a copied credentials file is
// useless on another host.
package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 16
	keySize  = 32

	// scrypt cost parameters.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// credentialsFile is the on-disk layout.
type credentialsFile struct {
	Salt    string            `json:"salt"`    // base64 random salt
	Entries map[string]string `json:"entries"` // name → base64(nonce|ciphertext)
}

// Store holds decrypted secrets in memory and persists them encrypted.
type Store struct {
	path string

	mu      sync.Mutex
	salt    []byte
	key     []byte
	entries map[string]string
}

// Open loads the credential store at path, creating an empty one if the
// file is missing. A file that cannot be decrypted (machine changed,
// corruption) degrades to an empty store with a warning; it never fails
// the caller.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := s.initFresh(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creds: read %s: %w", path, err)
	}

	var file credentialsFile
	if err := json.Unmarshal(data, &file); err != nil {
		slog.Warn("credential store unreadable, starting empty", "path", path, "error", err)
		return s.resetFresh()
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil || len(salt) != saltSize {
		slog.Warn("credential store salt invalid, starting empty", "path", path)
		return s.resetFresh()
	}
	key, err := deriveKey(salt)
	if err != nil {
		return nil, err
	}
	s.salt = salt
	s.key = key

	for name, blob := range file.Entries {
		plain, err := s.decrypt(blob)
		if err != nil {
			slog.Warn("credential store undecryptable, starting empty",
				"path", path, "entry", name, "error", err)
			return s.resetFresh()
		}
		s.entries[name] = plain
	}
	return s, nil
}

func (s *Store) initFresh() error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("creds: generate salt: %w", err)
	}
	key, err := deriveKey(salt)
	if err != nil {
		return err
	}
	s.salt = salt
	s.key = key
	return nil
}

func (s *Store) resetFresh() (*Store, error) {
	s.entries = make(map[string]string)
	if err := s.initFresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a secret ("" when absent).
func (s *Store) Get(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[name]
}

// Set stores a secret and persists.
func (s *Store) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = value
	return s.save()
}

// Delete removes a secret and persists. Deleting a missing name is a
// no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return nil
	}
	delete(s.entries, name)
	return s.save()
}

// GetAll returns a copy of every secret.
func (s *Store) GetAll() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Names lists stored secret names, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for k := range s.entries {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// save writes the encrypted file with owner-only permissions via temp file
// + rename. Caller holds s.mu.
func (s *Store) save() error {
	file := credentialsFile{
		Salt:    base64.StdEncoding.EncodeToString(s.salt),
		Entries: make(map[string]string, len(s.entries)),
	}
	for name, plain := range s.entries {
		blob, err := s.encrypt(plain)
		if err != nil {
			return err
		}
		file.Entries[name] = blob
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".creds-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Chmod(s.path, 0o600)
}

func (s *Store) encrypt(plain string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decrypt(blob string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// deriveKey stretches the machine identity into an AES key.
func deriveKey(salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(machineIdentity()), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("creds: derive key: %w", err)
	}
	return key, nil
}

// machineIdentity reads a stable host identifier. Hostname is the fallback
// when no machine id file exists.
func machineIdentity() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "pocketpaw-local"
	}
	return host
}
