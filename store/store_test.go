package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	out := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLStore(db, "contexts"),
		"redis":  NewRedisStore(client, 0),
	}

	if dsn := os.Getenv("EXPERIMENT_TEST_POSTGRES_DSN"); dsn != "" {
		pool, err := pgxpool.New(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		table := "contexts_" + time.Now().UTC().Format("20060102150405")
		out["postgres"] = NewPostgresStore(pool, table)
	}
	return out
}

func raw(v string) json.RawMessage { return json.RawMessage(v) }

func TestStoreCompareAndSwapContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := s.Load(ctx, "exp-1")
			require.NoError(t, err)
			assert.Nil(t, rec)

			v, err := s.CompareAndSwap(ctx, &ContextRecord{ExpID: "exp-1", Data: map[string]json.RawMessage{"a": raw(`1`)}}, 0)
			require.NoError(t, err)
			assert.Equal(t, 1, v)

			_, err = s.CompareAndSwap(ctx, &ContextRecord{ExpID: "exp-1"}, 0)
			assert.ErrorIs(t, err, ErrVersionConflict, "insert over existing record must conflict")

			v, err = s.CompareAndSwap(ctx, &ContextRecord{ExpID: "exp-1", Data: map[string]json.RawMessage{"a": raw(`2`)}}, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, v)

			_, err = s.CompareAndSwap(ctx, &ContextRecord{ExpID: "exp-1"}, 1)
			assert.ErrorIs(t, err, ErrVersionConflict, "stale version must conflict")

			rec, err = s.Load(ctx, "exp-1")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, 2, rec.Version)
			assert.JSONEq(t, `2`, string(rec.Data["a"]))

			_, err = s.CompareAndSwap(ctx, &ContextRecord{ExpID: "exp-2"}, 0)
			require.NoError(t, err)
			ids, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"exp-1", "exp-2"}, ids)

			require.NoError(t, s.Delete(ctx, "exp-1"))
			rec, err = s.Load(ctx, "exp-1")
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestStoreRejectsMissingExperimentID(t *testing.T) {
	_, err := NewMemoryStore().CompareAndSwap(context.Background(), &ContextRecord{}, 0)
	assert.Error(t, err)
	_, err = NewMemoryStore().CompareAndSwap(context.Background(), nil, 0)
	assert.Error(t, err)
}

func TestDecodeRejectsNewerSchema(t *testing.T) {
	_, err := decodeData([]byte(`{"schema_version":99,"data":{}}`))
	assert.Error(t, err)

	data, err := decodeData([]byte(`{"schema_version":1,"data":{"k":"v"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"v"`, string(data["k"]))
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.CompareAndSwap(ctx, &ContextRecord{ExpID: "e", Data: map[string]json.RawMessage{"k": raw(`"v"`)}}, 0)
	require.NoError(t, err)

	rec, _ := s.Load(ctx, "e")
	rec.Data["k"][1] = 'X'
	again, _ := s.Load(ctx, "e")
	if string(again.Data["k"]) != `"v"` {
		t.Fatalf("stored record was mutated through a loaded copy: %s", again.Data["k"])
	}
}

func TestRedisStoreDetectsConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, 0).WithPrefix("test_ctx:")

	_, err := s.CompareAndSwap(ctx, &ContextRecord{ExpID: "e"}, 0)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test_ctx:e"))

	_, err = s.CompareAndSwap(ctx, &ContextRecord{ExpID: "e"}, 1)
	require.NoError(t, err)
	_, err = s.CompareAndSwap(ctx, &ContextRecord{ExpID: "e"}, 1)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
