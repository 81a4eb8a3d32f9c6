package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// putScript writes ARGV[2] at index ARGV[1] of list KEYS[2], padding with
// empty elements first. Returns -1 when the block is not a member of
// KEYS[1].
var putScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[3]) == 0 then
	return -1
end
local idx = tonumber(ARGV[1])
local n = redis.call("LLEN", KEYS[2])
while n <= idx do
	redis.call("RPUSH", KEYS[2], "")
	n = n + 1
end
redis.call("LSET", KEYS[2], idx, ARGV[2])
return n
`)

// RedisOption configures a RedisDataStore.
type RedisOption func(*RedisDataStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisDataStore) { s.prefix = prefix }
}

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(s *RedisDataStore) { s.logger = l }
}

// RedisDataStore keeps blocks in Redis so that they survive a coordinator
// restart. Each block is a list; block membership is tracked in a set
// because Redis drops empty lists.
type RedisDataStore struct {
	client redis.Cmdable
	prefix string
	logger *slog.Logger
}

var _ DataStore = (*RedisDataStore)(nil)

// NewRedisDataStore wraps client. The caller owns the client lifecycle.
func NewRedisDataStore(client redis.Cmdable, opts ...RedisOption) *RedisDataStore {
	s := &RedisDataStore{client: client, prefix: "parliament", logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *RedisDataStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisDataStore) idsKey() string { return s.prefix + ":data:ids" }
func (s *RedisDataStore) blockKey(id string) string { return s.prefix + ":data:" + id }

func (s *RedisDataStore) mustExist(ctx context.Context, id string) error {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDataNotFound, id)
	}
	return nil
}

func (s *RedisDataStore) Create(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.blockKey(id))
	pipe.SAdd(ctx, s.idsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create %s: %w", id, err)
	}
	return nil
}

func (s *RedisDataStore) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.idsKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", id, err)
	}
	return ok, nil
}

func (s *RedisDataStore) Len(ctx context.Context, id string) (int, error) {
	if err := s.mustExist(ctx, id); err != nil {
		return 0, err
	}
	n, err := s.client.LLen(ctx, s.blockKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len %s: %w", id, err)
	}
	return int(n), nil
}

func (s *RedisDataStore) Get(ctx context.Context, id string) ([][]byte, error) {
	if err := s.mustExist(ctx, id); err != nil {
		return nil, err
	}
	vals, err := s.client.LRange(ctx, s.blockKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", id, err)
	}
	block := make([][]byte, len(vals))
	for i, v := range vals {
		block[i] = []byte(v)
	}
	return block, nil
}

func (s *RedisDataStore) Element(ctx context.Context, id string, i int) ([]byte, error) {
	if err := s.mustExist(ctx, id); err != nil {
		return nil, err
	}
	if i < 0 {
		return nil, fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, id, i)
	}
	v, err := s.client.LIndex(ctx, s.blockKey(id), int64(i)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, id, i)
	}
	if err != nil {
		return nil, fmt.Errorf("redis element %s[%d]: %w", id, i, err)
	}
	return v, nil
}

func (s *RedisDataStore) Put(ctx context.Context, id string, i int, elem []byte) error {
	if i < 0 {
		return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, id, i)
	}
	n, err := putScript.Run(ctx, s.client, []string{s.idsKey(), s.blockKey(id)}, i, elem, id).Int()
	if err != nil {
		return fmt.Errorf("redis put %s[%d]: %w", id, i, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", ErrDataNotFound, id)
	}
	return nil
}

func (s *RedisDataStore) Append(ctx context.Context, id string, elems ...[]byte) error {
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	if len(elems) == 0 {
		return nil
	}
	vals := make([]interface{}, len(elems))
	for i, e := range elems {
		vals[i] = e
	}
	if err := s.client.RPush(ctx, s.blockKey(id), vals...).Err(); err != nil {
		return fmt.Errorf("redis append %s: %w", id, err)
	}
	return nil
}

func (s *RedisDataStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.blockKey(id))
	pipe.SRem(ctx, s.idsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	s.logger.Debug("data block deleted", "id", id)
	return nil
}
