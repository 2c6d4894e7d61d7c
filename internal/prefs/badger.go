package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const (
	prefPrefix   = "pref/"
	enrollPrefix = "enrolled/"
)

// Compile-time interface assertion.
var _ Store = (*BadgerStore)(nil)

// BadgerStore is a [Store] backed by an embedded badger database.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens (or creates) a badger database in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prefs: create directory: %w", err)
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	return openBadger(opts)
}

// OpenInMemory opens a badger database that lives only in memory.
func OpenInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("prefs: open badger: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

// Get implements [Store].
func (s *BadgerStore) Get(_ context.Context, userID string) (Preferences, error) {
	var p Preferences
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		p, err = readPrefs(txn, userID)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Preferences{}, ErrNotFound
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("prefs: get %s: %w", userID, err)
	}
	return p, nil
}

// SetLanguage implements [Store].
func (s *BadgerStore) SetLanguage(_ context.Context, userID, lang string) error {
	return s.modify(userID, func(p *Preferences) { p.Language = lang })
}

// SetVoiceMode implements [Store].
func (s *BadgerStore) SetVoiceMode(_ context.Context, userID string, on bool) error {
	return s.modify(userID, func(p *Preferences) { p.VoiceMode = on })
}

func (s *BadgerStore) modify(userID string, fn func(*Preferences)) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		p, err := readPrefs(txn, userID)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		fn(&p)
		p.UpdatedAt = s.now()
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return txn.Set([]byte(prefPrefix+userID), data)
	})
	if err != nil {
		return fmt.Errorf("prefs: update %s: %w", userID, err)
	}
	return nil
}

func readPrefs(txn *badger.Txn, userID string) (Preferences, error) {
	var p Preferences
	item, err := txn.Get([]byte(prefPrefix + userID))
	if err != nil {
		return p, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	})
	return p, err
}

// IsEnrolled implements [Store].
func (s *BadgerStore) IsEnrolled(_ context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(enrollPrefix + key))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("prefs: enrollment marker: %w", err)
	}
}

// MarkEnrolled implements [Store].
func (s *BadgerStore) MarkEnrolled(_ context.Context, key string) error {
	stamp, err := s.now().MarshalBinary()
	if err != nil {
		return fmt.Errorf("prefs: mark enrolled: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(enrollPrefix+key), stamp)
	})
	if err != nil {
		return fmt.Errorf("prefs: mark enrolled: %w", err)
	}
	return nil
}

// ClearEnrolled implements [Store].
func (s *BadgerStore) ClearEnrolled(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(enrollPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("prefs: clear enrolled: %w", err)
	}
	return nil
}

// Ping reports an error once the database has been closed.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("prefs: badger database closed")
	}
	return nil
}

// Close implements [Store].
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
