package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
)

// KeyBits is the modulus size of generated keys.
const KeyBits = 2048

// CredentialStore enumerates and creates the host's private keys.
type CredentialStore interface {
	// Keys yields the stored keys in a stable order. The sequence reflects
	// the persisted state at the time it is iterated and is read lazily.
	Keys() iter.Seq2[*rsa.PrivateKey, error]

	// GenerateKey creates a new key and persists it before returning.
	GenerateKey() (*rsa.PrivateKey, error)
}

// MemoryStore keeps keys in memory only.
type MemoryStore struct {
	mu        sync.Mutex
	keys      []*rsa.PrivateKey
	generated int
}

// NewMemoryStore returns a store holding keys.
func NewMemoryStore(keys ...*rsa.PrivateKey) *MemoryStore {
	return &MemoryStore{keys: slices.Clone(keys)}
}

func (s *MemoryStore) Keys() iter.Seq2[*rsa.PrivateKey, error] {
	s.mu.Lock()
	keys := append([]*rsa.PrivateKey(nil), s.keys...)
	s.mu.Unlock()

	return func(yield func(*rsa.PrivateKey, error) bool) {
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.generated++
	s.mu.Unlock()
	return key, nil
}

// Generated returns how many keys GenerateKey has created.
func (s *MemoryStore) Generated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generated
}

// DefaultKeyName is the file name adb uses for the host key.
const DefaultKeyName = "adbkey"

// FileStore keeps PEM-encoded keys in a directory using the adb layout:
// adbkey, then adbkey.1, adbkey.2, ... for additional keys. Each key has a
// companion .pub file in the format adbd stores in adb_keys.
type FileStore struct {
	Dir  string
	Name string
}

// DefaultKeyDir returns ~/.android.
func DefaultKeyDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".android"), nil
}

// NewFileStore returns a store rooted at dir, or at DefaultKeyDir when dir
// is empty. A leading ~ is expanded.
func NewFileStore(dir string) (*FileStore, error) {
	var err error
	if dir == "" {
		dir, err = DefaultKeyDir()
	} else {
		dir, err = homedir.Expand(dir)
	}
	if err != nil {
		return nil, err
	}
	return &FileStore{Dir: dir, Name: DefaultKeyName}, nil
}

// keyFiles lists key files ordered by their numeric suffix.
func (s *FileStore) keyFiles() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type keyFile struct {
		name  string
		index int
	}
	var files []keyFile
	for _, e := range entries {
		if idx, ok := s.keyIndex(e.Name()); ok && !e.IsDir() {
			files = append(files, keyFile{e.Name(), idx})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = filepath.Join(s.Dir, f.name)
	}
	return paths, nil
}

// keyIndex maps "adbkey" to 0 and "adbkey.N" to N.
func (s *FileStore) keyIndex(name string) (int, bool) {
	if name == s.Name {
		return 0, true
	}
	suffix, ok := strings.CutPrefix(name, s.Name+".")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (s *FileStore) Keys() iter.Seq2[*rsa.PrivateKey, error] {
	return func(yield func(*rsa.PrivateKey, error) bool) {
		paths, err := s.keyFiles()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, p := range paths {
			key, err := readKey(p)
			if !yield(key, err) {
				return
			}
		}
	}
}

func (s *FileStore) GenerateKey() (*rsa.PrivateKey, error) {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.Dir, s.Name)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		path = filepath.Join(s.Dir, fmt.Sprintf("%s.%d", s.Name, i))
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, err
	}

	// adbd never reads this; it is written for people who want to install
	// the key on a device by hand.
	pub, err := PublicKeyString(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path+".pub", []byte(pub+"\n"), 0o644); err != nil {
		return nil, err
	}
	return key, nil
}

func readKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s: %T is not an RSA key", path, k)
		}
		return rk, nil
	}
	return nil, fmt.Errorf("%s: unsupported PEM type %q", path, block.Type)
}
