// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mongo is a persistent storage hook which keeps records in a
// MongoDB collection, one document per key.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/hooks/storage"
	"github.com/mochi-mqtt/engine/hooks/storage/kv"
)

const (
	defaultURI              = "mongodb://localhost:27017"
	defaultDatabase         = "mochi"
	defaultCollection       = "records"
	defaultOperationTimeout = 5 * time.Second
)

// Options contains configuration settings for the mongo connection.
type Options struct {
	URI              string        `yaml:"uri" json:"uri"`
	Database         string        `yaml:"database" json:"database"`
	Collection       string        `yaml:"collection" json:"collection"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
	MinPoolSize      uint64        `yaml:"min_pool_size" json:"min_pool_size"`
	MaxPoolSize      uint64        `yaml:"max_pool_size" json:"max_pool_size"`
}

// Hook is a persistent storage hook using MongoDB as a backend.
type Hook struct {
	kv.Hook
	config *Options
	client *mongo.Client
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "mongo-db"
}

// Init connects to the mongo deployment and verifies the connection.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.URI == "" {
		h.config.URI = defaultURI
	}

	if h.config.Database == "" {
		h.config.Database = defaultDatabase
	}

	if h.config.Collection == "" {
		h.config.Collection = defaultCollection
	}

	if h.config.OperationTimeout <= 0 {
		h.config.OperationTimeout = defaultOperationTimeout
	}

	opts := options.Client().
		ApplyURI(h.config.URI).
		SetAppName("mochi-mqtt").
		SetServerSelectionTimeout(h.config.OperationTimeout).
		SetPoolMonitor(&event.PoolMonitor{
			Event: func(evt *event.PoolEvent) {
				switch evt.Type {
				case event.ConnectionCreated, event.ConnectionClosed:
					h.Log.Debug("mongo pool event", "type", evt.Type, "address", evt.Address)
				}
			},
		})

	if h.config.MinPoolSize > 0 {
		opts.SetMinPoolSize(h.config.MinPoolSize)
	}

	if h.config.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(h.config.MaxPoolSize)
	}

	h.Log.Info("connecting to mongo service", "database", h.config.Database, "collection", h.config.Collection)

	ctx, cancel := context.WithTimeout(context.Background(), h.config.OperationTimeout)
	defer cancel()

	var err error
	h.client, err = mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}

	if err = h.client.Ping(ctx, nil); err != nil {
		_ = h.client.Disconnect(ctx)
		h.client = nil
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to mongo service")
	h.Store = &store{
		coll:    h.client.Database(h.config.Database).Collection(h.config.Collection),
		timeout: h.config.OperationTimeout,
	}

	return nil
}

// Stop disconnects from the mongo deployment.
func (h *Hook) Stop() error {
	if h.client == nil {
		return nil
	}

	h.Log.Info("disconnecting from mongo service")
	ctx, cancel := context.WithTimeout(context.Background(), h.config.OperationTimeout)
	defer cancel()

	return h.client.Disconnect(ctx)
}

// record is a stored document.
type record struct {
	Key   string `bson:"_id"`
	Value []byte `bson:"value"`
}

// store implements kv.Store on a mongo collection.
type store struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func (s *store) Set(k string, v []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: k}}, record{Key: k, Value: v}, options.Replace().SetUpsert(true))
	return err
}

func (s *store) Get(k string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var r record
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: k}}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return r.Value, nil
}

func (s *store) Delete(k string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: k}})
	return err
}

func (s *store) Iterate(prefix string, visit func(key string, value []byte) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(prefix)}}}}
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var r record
		if err := cursor.Decode(&r); err != nil {
			return err
		}

		if err := visit(r.Key, r.Value); err != nil {
			return err
		}
	}

	return cursor.Err()
}
