package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	preferencesBucket = []byte("preferences")
	envelopeKey       = []byte("envelope")
)

// PreferencesRepository is the default local file store, a single bbolt
// database holding the preferences envelope under one key.
type PreferencesRepository struct {
	db *bbolt.DB
}

// Open creates parent directories as needed and opens the database at path.
func Open(path string) (*PreferencesRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create preferences dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open preferences db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(preferencesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init preferences bucket: %w", err)
	}
	return &PreferencesRepository{db: db}, nil
}

func (r *PreferencesRepository) Close() error {
	return r.db.Close()
}

func (r *PreferencesRepository) Load(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var payload []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(preferencesBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(envelopeKey); v != nil {
			// Values are only valid for the life of the transaction.
			payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return payload, len(payload) > 0, nil
}

func (r *PreferencesRepository) Save(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(preferencesBucket)
		if err != nil {
			return err
		}
		return b.Put(envelopeKey, payload)
	})
}

func (r *PreferencesRepository) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(preferencesBucket)
		if b == nil {
			return nil
		}
		return b.Delete(envelopeKey)
	})
}
