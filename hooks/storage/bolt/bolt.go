// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt is a persistent storage hook backed by a boltdb file.
package bolt

import (
	"bytes"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/hooks/storage/kv"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "mochi"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options `yaml:"-" json:"-"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Path    string         `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook based using boltdb file store as a backend.
type Hook struct {
	kv.Hook
	config *Options  // options for configuring the boltdb instance.
	db     *bbolt.DB // the boltdb instance.
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "bolt-db"
}

// Init initializes and connects to the boltdb instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}
	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if len(h.config.Bucket) == 0 {
		h.config.Bucket = defaultBucket
	}

	var err error
	h.db, err = bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	err = h.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(h.config.Bucket))
		return err
	})
	if err != nil {
		return err
	}

	h.Store = &store{db: h.db, bucket: []byte(h.config.Bucket)}
	return nil
}

// Stop closes the boltdb instance.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	err := h.db.Close()
	h.db = nil
	return err
}

// store implements kv.Store on a single bolt bucket.
type store struct {
	db     *bbolt.DB
	bucket []byte
}

func (s *store) Set(k string, v []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return ErrBucketNotFound
		}
		return bucket.Put([]byte(k), v)
	})
}

func (s *store) Get(k string) (v []byte, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return ErrBucketNotFound
		}

		value := bucket.Get([]byte(k))
		if value == nil {
			return storage.ErrNotFound
		}

		// values are only valid for the life of the transaction
		v = append([]byte{}, value...)
		return nil
	})
	return
}

func (s *store) Delete(k string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return ErrBucketNotFound
		}
		return bucket.Delete([]byte(k))
	})
}

func (s *store) Iterate(prefix string, visit func(key string, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return ErrBucketNotFound
		}

		p := []byte(prefix)
		c := bucket.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := visit(string(k), append([]byte{}, v...)); err != nil {
				return err
			}
		}
		return nil
	})
}
