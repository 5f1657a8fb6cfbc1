package accounts

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	autherrors "github.com/moodesky/atproto-auth/internal/errors"
	"github.com/moodesky/atproto-auth/securestore"
)

const (
	keyPrefix     = "account:"
	schemaVersion = 1
)

// record is the persisted envelope. SchemaVersion gates forward-compatible
// evolution; a version this build does not understand surfaces as
// ErrUnavailable rather than a misread account.
type record struct {
	SchemaVersion int     `json:"schemaVersion"`
	Account       Account `json:"account"`
}

// Store is the durable, keyed collection of account records. Each account
// lives under its own storage key, so a crash mid-write cannot corrupt
// sibling records.
type Store struct {
	store   securestore.Store
	nowTime func() time.Time
	lock    sync.Mutex
}

// StoreOption modifies a Store instance.
type StoreOption func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// NewStore initializes a Store over the secure persisted collaborator.
func NewStore(store securestore.Store, options ...StoreOption) (*Store, error) {
	if store == nil {
		return nil, errors.New("[NewStore] secure store is required")
	}

	accountStore := &Store{
		store:   store,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(accountStore)
	}
	return accountStore, nil
}

// Add persists a new account. The account identifier and the DID must both
// be unbound; either collision is a conflict.
func (s *Store) Add(ctx context.Context, account *Account) (*Account, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, err := s.read(ctx, account.ID); err == nil {
		return nil, errors.Wrap(autherrors.ErrConflict, "[Store.Add] id already bound")
	}
	if existing, err := s.getByDID(ctx, account.DID); err == nil && existing != nil {
		return nil, errors.Wrap(autherrors.ErrConflict, "[Store.Add] subject already bound")
	}

	stored := account.Clone()
	stored.CreatedAt = s.nowTime().UTC()
	stored.UpdatedAt = stored.CreatedAt
	if err := s.write(ctx, stored); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// Get retrieves an account by its local identifier.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	return s.read(ctx, id)
}

// GetByDID retrieves an account by its remote subject identifier.
func (s *Store) GetByDID(ctx context.Context, did string) (*Account, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.getByDID(ctx, did)
}

// Update replaces an existing account record. The record must already
// exist; refreshes completing after a removal must not resurrect it.
func (s *Store) Update(ctx context.Context, account *Account) (*Account, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, err := s.read(ctx, account.ID); err != nil {
		return nil, err
	}

	stored := account.Clone()
	stored.UpdatedAt = s.nowTime().UTC()
	if err := s.write(ctx, stored); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// Remove deletes the persisted record and scrubs the in-memory token
// material before returning.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	account, err := s.read(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, keyPrefix+id); err != nil {
		return errors.Wrap(autherrors.ErrUnavailable, "[Store.Remove] delete failed")
	}
	account.Scrub()
	return nil
}

// List returns every stored account ordered by creation time, oldest
// first, with the local identifier as tiebreaker.
func (s *Store) List(ctx context.Context) ([]*Account, error) {
	keys, err := s.store.ListKeys(ctx, keyPrefix)
	if err != nil {
		return nil, errors.Wrap(autherrors.ErrUnavailable, "[Store.List] list keys failed")
	}

	listed := make([]*Account, 0, len(keys))
	for _, key := range keys {
		account, err := s.read(ctx, key[len(keyPrefix):])
		if err != nil {
			return nil, err
		}
		listed = append(listed, account)
	}

	sort.Slice(listed, func(i, j int) bool {
		if !listed[i].CreatedAt.Equal(listed[j].CreatedAt) {
			return listed[i].CreatedAt.Before(listed[j].CreatedAt)
		}
		return listed[i].ID < listed[j].ID
	})
	return listed, nil
}

func (s *Store) read(ctx context.Context, id string) (*Account, error) {
	value, err := s.store.Get(ctx, keyPrefix+id)
	if errors.Is(err, securestore.ErrKeyNotFound) {
		return nil, errors.Wrap(autherrors.ErrNotFound, "[Store] unknown account")
	}
	if err != nil {
		return nil, errors.Wrap(autherrors.ErrUnavailable, "[Store] read failed")
	}

	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, errors.Wrap(autherrors.ErrUnavailable, "[Store] corrupted record")
	}
	if rec.SchemaVersion != schemaVersion {
		return nil, errors.Wrapf(autherrors.ErrUnavailable, "[Store] unsupported schema version %d", rec.SchemaVersion)
	}
	return &rec.Account, nil
}

func (s *Store) getByDID(ctx context.Context, did string) (*Account, error) {
	keys, err := s.store.ListKeys(ctx, keyPrefix)
	if err != nil {
		return nil, errors.Wrap(autherrors.ErrUnavailable, "[Store] list keys failed")
	}
	for _, key := range keys {
		account, err := s.read(ctx, key[len(keyPrefix):])
		if err != nil {
			return nil, err
		}
		if account.DID == did {
			return account, nil
		}
	}
	return nil, errors.Wrap(autherrors.ErrNotFound, "[Store] unknown subject")
}

func (s *Store) write(ctx context.Context, account *Account) error {
	value, err := json.Marshal(record{SchemaVersion: schemaVersion, Account: *account})
	if err != nil {
		return errors.Wrap(autherrors.ErrUnavailable, "[Store] encode failed")
	}
	if err := s.store.Set(ctx, keyPrefix+account.ID, value); err != nil {
		return errors.Wrap(autherrors.ErrUnavailable, "[Store] write failed")
	}
	return nil
}
