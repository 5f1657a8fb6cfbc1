// Package filestore is a securestore.Store backed by a single file sealed
// with nacl/secretbox, for platforms without a system keyring. The whole
// store is re-sealed with a fresh nonce on every write and replaced with an
// atomic rename, so a crash mid-write leaves the previous sealed state
// intact.
package filestore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/moodesky/atproto-auth/securestore"
)

const nonceSize = 24

var _ securestore.Store = (*Store)(nil)

type Store struct {
	path string
	key  [32]byte
	lock sync.Mutex
}

// New creates a Store persisting to path, sealed with key. The file is
// created on first write.
func New(path string, key [32]byte) *Store {
	return &Store{path: path, key: key}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	values, err := s.load()
	if err != nil {
		return nil, err
	}
	value, ok := values[key]
	if !ok {
		return nil, securestore.ErrKeyNotFound
	}
	return value, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = append([]byte(nil), value...)
	return s.save(values)
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.save(values)
}

func (s *Store) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	values, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *Store) load() (map[string][]byte, error) {
	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string][]byte), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "filestore read")
	}
	if len(sealed) < nonceSize {
		return nil, errors.New("filestore: sealed payload truncated")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("filestore: sealed payload cannot be opened")
	}

	values := make(map[string][]byte)
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, errors.Wrap(err, "filestore decode")
	}
	return values, nil
}

func (s *Store) save(values map[string][]byte) error {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "filestore encode")
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return errors.Wrap(err, "filestore nonce")
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".securestore-*")
	if err != nil {
		return errors.Wrap(err, "filestore temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return errors.Wrap(err, "filestore write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "filestore close")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "filestore rename")
	}
	return nil
}
