// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mongo

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	mqtt "github.com/mochi-mqtt/engine"
	"github.com/mochi-mqtt/engine/hooks/storage"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

const ns = "mochi.records"

func doc(k, v string) bson.D {
	return bson.D{{Key: "_id", Value: k}, {Key: "value", Value: []byte(v)}}
}

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "mongo-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.OnRetainMessage))
	require.True(t, h.Provides(mqtt.StoredRetainedMessages))
	require.False(t, h.Provides(mqtt.OnACLCheck))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(map[string]any{})
	require.ErrorIs(t, err, mqtt.ErrInvalidConfigType)
}

func TestInitBadURI(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(&Options{URI: "localhost:27017"})
	require.Error(t, err)
	require.Nil(t, h.Store)
}

func TestInitUnreachable(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(&Options{
		URI:              "mongodb://127.0.0.1:1/?connect=direct",
		OperationTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	require.Equal(t, defaultDatabase, h.config.Database)
	require.Equal(t, defaultCollection, h.config.Collection)
	require.NoError(t, h.Stop())
}

func TestStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get", func(mt *mtest.T) {
		s := &store{coll: mt.Coll, timeout: time.Second}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, doc("CL_cl1", "v1")))

		v, err := s.Get("CL_cl1")
		require.NoError(mt, err)
		require.Equal(mt, []byte("v1"), v)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		s := &store{coll: mt.Coll, timeout: time.Second}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, err := s.Get("CL_cl1")
		require.ErrorIs(mt, err, storage.ErrNotFound)
	})

	mt.Run("set", func(mt *mtest.T) {
		s := &store{coll: mt.Coll, timeout: time.Second}
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))

		require.NoError(mt, s.Set("CL_cl1", []byte("v1")))
		require.Equal(mt, "update", mt.GetStartedEvent().CommandName)
	})

	mt.Run("set error", func(mt *mtest.T) {
		s := &store{coll: mt.Coll, timeout: time.Second}
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad", Name: "BadValue"}))

		require.Error(mt, s.Set("CL_cl1", []byte("v1")))
	})

	mt.Run("delete", func(mt *mtest.T) {
		s := &store{coll: mt.Coll, timeout: time.Second}
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		require.NoError(mt, s.Delete("CL_cl1"))
		require.Equal(mt, "delete", mt.GetStartedEvent().CommandName)
	})

	mt.Run("iterate", func(mt *mtest.T) {
		s := &store{coll: mt.Coll, timeout: time.Second}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			doc("SUB_cl1:a", "1"),
			doc("SUB_cl1:b", "2"),
		))

		var keys []string
		err := s.Iterate("SUB_cl1:", func(key string, value []byte) error {
			keys = append(keys, key+"="+string(value))
			return nil
		})
		require.NoError(mt, err)
		require.Equal(mt, []string{"SUB_cl1:a=1", "SUB_cl1:b=2"}, keys)
	})

	mt.Run("iterate error", func(mt *mtest.T) {
		s := &store{coll: mt.Coll, timeout: time.Second}
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad", Name: "BadValue"}))

		err := s.Iterate("SUB_", func(key string, value []byte) error { return nil })
		require.Error(mt, err)
	})

	mt.Run("hook loads retained", func(mt *mtest.T) {
		retained, err := (&storage.Message{
			ID:        storage.RetainedID("a/b"),
			T:         storage.RetainedKey,
			TopicName: "a/b",
			Payload:   []byte("hello"),
			Retain:    true,
		}).MarshalBinary()
		require.NoError(mt, err)

		h := new(Hook)
		h.SetOpts(logger, nil)
		h.Store = &store{coll: mt.Coll, timeout: time.Second}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, doc(storage.RetainedID("a/b"), string(retained))))

		msgs, err := h.StoredRetainedMessages()
		require.NoError(mt, err)
		require.Len(mt, msgs, 1)
		require.Equal(mt, "a/b", msgs[0].TopicName)
		require.Equal(mt, []byte("hello"), msgs[0].Payload)
	})
}
