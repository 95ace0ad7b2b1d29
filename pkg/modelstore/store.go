// Package modelstore persists trained model snapshots in a BoltDB file.
package modelstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketModels = []byte("models")
	bucketMeta   = []byte("meta")
)

// ErrNotFound is returned by Get for a model that was never saved.
var ErrNotFound = errors.New("model not found")

// Meta describes a stored snapshot.
type Meta struct {
	Name    string    `json:"name"`
	Version uint64    `json:"version"`
	Size    int       `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

// Store keeps the latest snapshot per model name.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open model store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketModels, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores blob as the latest snapshot of name and bumps its version.
func (s *Store) Put(name string, blob []byte) (Meta, error) {
	var meta Meta
	err := s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		version := uint64(1)
		if raw := mb.Get([]byte(name)); raw != nil {
			var prev Meta
			if err := json.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("decode meta: %w", err)
			}
			version = prev.Version + 1
		}

		meta = Meta{Name: name, Version: version, Size: len(blob), SavedAt: time.Now().UTC()}
		raw, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		if err := mb.Put([]byte(name), raw); err != nil {
			return err
		}
		return tx.Bucket(bucketModels).Put([]byte(name), blob)
	})
	if err != nil {
		return Meta{}, fmt.Errorf("put %s: %w", name, err)
	}
	return meta, nil
}

// Get returns the latest snapshot of name.
func (s *Store) Get(name string) ([]byte, Meta, error) {
	var (
		blob []byte
		meta Meta
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketModels).Get([]byte(name))
		if raw == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		blob = append([]byte(nil), raw...)

		if m := tx.Bucket(bucketMeta).Get([]byte(name)); m != nil {
			if err := json.Unmarshal(m, &meta); err != nil {
				return fmt.Errorf("decode meta: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, Meta{}, fmt.Errorf("get %s: %w", name, err)
	}
	return blob, meta, nil
}

// Delete removes name. Deleting an absent model is not an error.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketModels).Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete([]byte(name))
	})
}

// List returns the metadata of every stored model, ordered by name.
func (s *Store) List() ([]Meta, error) {
	var out []Meta
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			var m Meta
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode meta: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
