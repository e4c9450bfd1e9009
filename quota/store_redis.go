package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey        = "quota:state"
	defaultRedisMaxRetries = 50
)

// ErrTxConflict is returned when a Redis transaction kept losing the race
// against other writers.
var ErrTxConflict = errors.New("quota state transaction conflict")

// RedisStore keeps the state document under a single Redis key. WithLock is
// an optimistic WATCH/MULTI/EXEC transaction: the saved document is committed
// only if nobody else wrote the key since it was read, and the whole cycle is
// retried otherwise. This gives the same all-or-nothing read-modify-write as
// the file lock, for processes that do not share a filesystem.
type RedisStore struct {
	rdb        *redis.Client
	key        string
	maxRetries int
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisKey sets the key holding the document.
func WithRedisKey(key string) RedisStoreOption {
	return func(s *RedisStore) { s.key = key }
}

// WithRedisMaxRetries bounds the number of conflicting attempts.
func WithRedisMaxRetries(n int) RedisStoreOption {
	return func(s *RedisStore) { s.maxRetries = n }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:        rdb,
		key:        defaultRedisKey,
		maxRetries: defaultRedisMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithLock implements Store. fn may run more than once when other writers
// interfere; each run starts from a fresh Load.
func (s *RedisStore) WithLock(ctx context.Context, fn func(Session) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			sess := &redisSession{ctx: ctx, tx: tx, key: s.key}
			if err := fn(sess); err != nil {
				return err
			}
			if sess.pending == nil {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.key, sess.pending, 0)
				return nil
			})
			return err
		}, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w after %d attempts", ErrTxConflict, s.maxRetries)
}

type redisSession struct {
	ctx     context.Context
	tx      *redis.Tx
	key     string
	pending []byte
}

func (s *redisSession) Load() (State, error) {
	data, err := s.tx.Get(s.ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quota state: %w", err)
	}
	return decodeState(data), nil
}

// Save buffers the document; it is written by EXEC once the callback succeeds.
func (s *redisSession) Save(state State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	s.pending = data
	return nil
}
