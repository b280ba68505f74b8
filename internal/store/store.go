// Package store wraps an embedded badger database with the three keyed
// collections the supervisor persists: the settings singleton, cameras, and
// motion events. It is the single source of truth; every controller
// re-derives its in-memory state from here on start.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/openhaus/nvrd/internal/models"
)

// ErrNotFound is returned by point reads for absent keys.
var ErrNotFound = errors.New("store: key not found")

// Collection prefixes. The separator byte sorts below every key byte in
// use, so range scans within a collection never leak into a sibling.
const (
	prefixSettings = "settings!"
	prefixCameras  = "camera!"
	prefixMotion   = "motion!"
)

// Store is an open badger database. Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path. Failure here is
// fatal for the process: nothing can run without the store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

func (s *Store) get(key string, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// DeleteBatch removes the given motion keys in one write transaction.
func (s *Store) DeleteBatch(motionKeys []string) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range motionKeys {
		if err := wb.Delete([]byte(prefixMotion + k)); err != nil {
			return fmt.Errorf("deleting motion %s: %w", k, err)
		}
	}
	return wb.Flush()
}

// GetSettings reads the settings singleton. A missing record yields
// bootstrap settings, not an error: a fresh database is a valid state, and
// it starts with the default 01:00 detector restart armed. Once the API
// layer has written a record, an empty schedule means the operator
// disabled the restart.
func (s *Store) GetSettings() (*models.Settings, error) {
	var set models.Settings
	err := s.get(prefixSettings+models.SettingsKey, &set)
	if errors.Is(err, ErrNotFound) {
		return &models.Settings{MLRestartSchedule: models.DefaultMLRestartSchedule}, nil
	}
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// PutSettings writes the settings singleton.
func (s *Store) PutSettings(set *models.Settings) error {
	return s.put(prefixSettings+models.SettingsKey, set)
}

// GetCamera reads one camera by key.
func (s *Store) GetCamera(key string) (*models.Camera, error) {
	var cam models.Camera
	if err := s.get(prefixCameras+key, &cam); err != nil {
		return nil, err
	}
	return &cam, nil
}

// PutCamera writes one camera.
func (s *Store) PutCamera(cam *models.Camera) error {
	return s.put(prefixCameras+cam.Key, cam)
}

// ListCameras returns all cameras in key (insertion) order, tombstoned ones
// included; callers filter on Deleted.
func (s *Store) ListCameras() ([]*models.Camera, error) {
	var cams []*models.Camera
	err := s.ascend(prefixCameras, "", func(_ string, val []byte) (bool, error) {
		var cam models.Camera
		if err := json.Unmarshal(val, &cam); err != nil {
			return false, err
		}
		cams = append(cams, &cam)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing cameras: %w", err)
	}
	return cams, nil
}

// GetMotion reads one motion record by key.
func (s *Store) GetMotion(key string) (*models.Motion, error) {
	var m models.Motion
	if err := s.get(prefixMotion+key, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// PutMotion writes one motion record.
func (s *Store) PutMotion(m *models.Motion) error {
	return s.put(prefixMotion+m.Key, m)
}

// AscendMotion iterates motion records in chronological order starting at
// the first key strictly greater than after (empty scans from the start).
// The callback returns false to stop early.
func (s *Store) AscendMotion(after string, fn func(*models.Motion) (bool, error)) error {
	return s.ascend(prefixMotion, after, func(_ string, val []byte) (bool, error) {
		var m models.Motion
		if err := json.Unmarshal(val, &m); err != nil {
			return false, err
		}
		return fn(&m)
	})
}

// DescendMotion iterates motion records newest first.
func (s *Store) DescendMotion(fn func(*models.Motion) (bool, error)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMotion)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the whole collection; badger lands on the last
		// matching key in reverse mode.
		seek := append([]byte(prefixMotion), 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefixMotion)); it.Next() {
			var m models.Motion
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			more, err := fn(&m)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}

// ascend walks a collection forward. after is a bare (unprefixed) key; the
// walk starts at the first key strictly greater than it.
func (s *Store) ascend(prefix, after string, fn func(key string, val []byte) (bool, error)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte(prefix + after)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			key := string(it.Item().Key())[len(prefix):]
			if after != "" && key <= after {
				continue
			}
			var more bool
			err := it.Item().Value(func(val []byte) error {
				var ferr error
				more, ferr = fn(key, val)
				return ferr
			})
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}
