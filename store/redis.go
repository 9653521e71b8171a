package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "exp_context:"

// RedisStore keeps one JSON document per experiment and uses WATCH/MULTI
// so the version check and the write are atomic on the server.
type RedisStore struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

type redisDocument struct {
	ExpID     string          `json:"exp_id"`
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// NewRedisStore builds a store; ttl 0 keeps contexts until deleted.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, keyPrefix: defaultRedisPrefix}
}

// WithPrefix overrides the key prefix.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	if strings.TrimSpace(prefix) != "" {
		s.keyPrefix = prefix
	}
	return s
}

func (s *RedisStore) Load(ctx context.Context, expID string) (*ContextRecord, error) {
	if s == nil || s.client == nil {
		return nil, errNotConfigured
	}
	key := s.redisKey(expID)
	if key == "" {
		return nil, nil
	}
	return loadRedisRecord(ctx, s.client, key)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, rec *ContextRecord, expectedVersion int) (int, error) {
	if s == nil || s.client == nil {
		return 0, errNotConfigured
	}
	next, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	key := s.redisKey(next.ExpID)

	var version int
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := loadRedisRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if version, err = checkVersion(current, expectedVersion); err != nil {
			return err
		}
		raw, err := encodeData(next.Data)
		if err != nil {
			return err
		}
		doc, err := json.Marshal(redisDocument{
			ExpID:     next.ExpID,
			Version:   version,
			UpdatedAt: next.UpdatedAt,
			Payload:   raw,
		})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *RedisStore) Delete(ctx context.Context, expID string) error {
	if s == nil || s.client == nil {
		return errNotConfigured
	}
	key := s.redisKey(expID)
	if key == "" {
		return nil
	}
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errNotConfigured
	}
	var ids []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) redisKey(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	prefix := s.keyPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return prefix + id
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadRedisRecord(ctx context.Context, client redisGetter, key string) (*ContextRecord, error) {
	value, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc redisDocument
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, err
	}
	data, err := decodeData(doc.Payload)
	if err != nil {
		return nil, err
	}
	return &ContextRecord{
		ExpID:     doc.ExpID,
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt,
		Data:      data,
	}, nil
}
