// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	redis "github.com/go-redis/redis/v8"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/hooks/storage/kv"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by mochi mqtt.
const defaultHPrefix = "mochi-"

// Options contains configuration settings for the redis instance. If Options
// is nil, the connection is built from the address and credential fields.
type Options struct {
	HPrefix  string         `yaml:"h_prefix" json:"h_prefix"`
	Address  string         `yaml:"address" json:"address"`
	Username string         `yaml:"username" json:"username"`
	Password string         `yaml:"password" json:"password"`
	Database int            `yaml:"database" json:"database"`
	Options  *redis.Options `yaml:"-" json:"-"`
}

// Hook is a persistent storage hook based using Redis as a backend.
type Hook struct {
	kv.Hook
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// hKey returns a hash set key with a unique prefix.
func (h *Hook) hKey(s string) string {
	return h.config.HPrefix + s
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	if h.config.Options == nil {
		if h.config.Address == "" {
			h.config.Address = defaultAddr
		}

		h.config.Options = &redis.Options{
			Addr:     h.config.Address,
			Username: h.config.Username,
			Password: h.config.Password,
			DB:       h.config.Database,
		}
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")
	h.Store = &store{db: h.db, ctx: h.ctx, hKey: h.hKey}

	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	h.Log.Info("disconnecting from redis service")
	return h.db.Close()
}

// store implements kv.Store with one redis hash per record type, so
// SUB_3_cl1:a/b is the field SUB_3_cl1:a/b of the hash mochi-SUB.
type store struct {
	db   *redis.Client
	ctx  context.Context
	hKey func(string) string
}

// hash returns the hash holding a key or key prefix.
func (s *store) hash(k string) string {
	t, _, _ := strings.Cut(k, "_")
	return s.hKey(t)
}

func (s *store) Set(k string, v []byte) error {
	return s.db.HSet(s.ctx, s.hash(k), k, v).Err()
}

func (s *store) Get(k string) ([]byte, error) {
	v, err := s.db.HGet(s.ctx, s.hash(k), k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}

	return v, err
}

func (s *store) Delete(k string) error {
	return s.db.HDel(s.ctx, s.hash(k), k).Err()
}

func (s *store) Iterate(prefix string, visit func(key string, value []byte) error) error {
	rows, err := s.db.HGetAll(s.ctx, s.hash(prefix)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := visit(k, []byte(rows[k])); err != nil {
			return err
		}
	}

	return nil
}
