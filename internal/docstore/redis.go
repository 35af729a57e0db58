package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each document as a JSON string under <prefix><collection>:<id> and
// tracks the ids of a collection in a set under <prefix>index:<collection>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed document store
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(collection, id string) string {
	return s.prefix + collection + ":" + id
}

func (s *RedisStore) indexKey(collection string) string {
	return s.prefix + "index:" + collection
}

func (s *RedisStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	raw, err := s.client.Get(ctx, s.key(collection, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return raw, nil
}

func (s *RedisStore) Set(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(collection, id), data, 0)
		pipe.SAdd(ctx, s.indexKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, collection, id string, fields map[string]any, conds ...Precondition) error {
	key := s.key(collection, id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		ok, err := preconditionsHold(current, conds)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		next, err := mergeFields(current, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(collection, id))
		pipe.SRem(ctx, s.indexKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(collection, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}

	docs := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		str, ok := value.(string)
		if !ok {
			// index entry outlived its document
			continue
		}
		docs = append(docs, json.RawMessage(str))
	}
	return docs, nil
}

func (s *RedisStore) Query(ctx context.Context, collection, field, value string) ([]json.RawMessage, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	matched := make([]json.RawMessage, 0)
	for _, doc := range docs {
		if fieldMatches(doc, field, value) {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

type redisWrite struct {
	del        bool
	key        string
	collection string
	id         string
	data       []byte
}

// Batch applies ops inside a single MULTI/EXEC. Documents touched by updates are
// watched, so a concurrent writer aborts the batch with ErrConflict.
func (s *RedisStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxBatchOps {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(ops), MaxBatchOps)
	}

	watched := make([]string, 0, len(ops))
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if op.Kind != OpUpdate {
			continue
		}
		key := s.key(op.Collection, op.ID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		watched = append(watched, key)
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current := make(map[string][]byte, len(watched))
		if len(watched) > 0 {
			values, err := tx.MGet(ctx, watched...).Result()
			if err != nil {
				return err
			}
			for i, value := range values {
				if str, ok := value.(string); ok {
					current[watched[i]] = []byte(str)
				}
			}
		}

		writes := make([]redisWrite, 0, len(ops))
		for _, op := range ops {
			key := s.key(op.Collection, op.ID)
			switch op.Kind {
			case OpSet:
				data, err := json.Marshal(op.Doc)
				if err != nil {
					return fmt.Errorf("encode %s/%s: %w", op.Collection, op.ID, err)
				}
				current[key] = data
				writes = append(writes, redisWrite{key: key, collection: op.Collection, id: op.ID, data: data})
			case OpUpdate:
				doc, ok := current[key]
				if !ok {
					if op.SkipMissing {
						continue
					}
					return fmt.Errorf("%w: %s/%s", ErrNotFound, op.Collection, op.ID)
				}
				next, err := mergeFields(doc, op.Fields)
				if err != nil {
					return err
				}
				current[key] = next
				writes = append(writes, redisWrite{key: key, collection: op.Collection, id: op.ID, data: next})
			case OpDelete:
				delete(current, key)
				writes = append(writes, redisWrite{del: true, key: key, collection: op.Collection, id: op.ID})
			default:
				return fmt.Errorf("unknown op kind %d", op.Kind)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range writes {
				if w.del {
					pipe.Del(ctx, w.key)
					pipe.SRem(ctx, s.indexKey(w.collection), w.id)
					continue
				}
				pipe.Set(ctx, w.key, w.data, 0)
				pipe.SAdd(ctx, s.indexKey(w.collection), w.id)
			}
			return nil
		})
		return err
	}, watched...)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrConflict
	}
	if err != nil {
		return fmt.Errorf("batch of %d ops: %w", len(ops), err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
