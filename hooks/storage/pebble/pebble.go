// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

package pebble

import (
	"errors"
	"strings"

	pebbledb "github.com/cockroachdb/pebble"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/hooks/storage/kv"
)

const (
	// defaultDbFile is the default file path for the pebble db file.
	defaultDbFile = ".pebble"
)

// keyUpperBound returns the upper bound for a given byte slice by incrementing the last byte.
// It returns nil if all bytes are incremented and equal to 0.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

const (
	NoSync = "NoSync" // NoSync specifies the default write options for writes which do not synchronize to disk.
	Sync   = "Sync"   // Sync specifies the default write options for writes which synchronize to disk.
)

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options `yaml:"-" json:"-"`
	Mode    string            `yaml:"mode" json:"mode"`
	Path    string            `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook based using pebble DB file store as a backend.
type Hook struct {
	kv.Hook
	config *Options     // options for configuring the pebble DB instance.
	db     *pebbledb.DB // the pebble DB instance
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "pebble-db"
}

// Init initializes and connects to the pebble instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		h.config = new(Options)
	} else {
		h.config = config.(*Options)
	}

	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if h.config.Options == nil {
		h.config.Options = &pebbledb.Options{}
	}

	mode := pebbledb.NoSync
	if strings.EqualFold(h.config.Mode, Sync) {
		mode = pebbledb.Sync
	}

	var err error
	h.db, err = pebbledb.Open(h.config.Path, h.config.Options)
	if err != nil {
		return err
	}

	h.Store = &store{db: h.db, mode: mode}
	return nil
}

// Stop closes the pebble instance.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	// pebble panics when used after close
	h.Store = nil
	err := h.db.Close()
	h.db = nil
	return err
}

// store implements kv.Store with a pebble DB.
type store struct {
	db   *pebbledb.DB
	mode *pebbledb.WriteOptions // mode holds the per-query parameters for Set and Delete operations
}

func (s *store) Set(k string, v []byte) error {
	return s.db.Set([]byte(k), v, s.mode)
}

func (s *store) Get(k string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(k))
	if errors.Is(err, pebbledb.ErrNotFound) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return append([]byte{}, value...), nil
}

func (s *store) Delete(k string) error {
	return s.db.Delete([]byte(k), s.mode)
}

func (s *store) Iterate(prefix string, visit func(key string, value []byte) error) error {
	iter, err := s.db.NewIter(&pebbledb.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := visit(string(iter.Key()), append([]byte{}, iter.Value()...)); err != nil {
			return err
		}
	}

	return iter.Error()
}
