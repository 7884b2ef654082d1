package teams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRuleKey is the Redis key holding the JSON rule set.
const DefaultRuleKey = "umamisso:oidc:team-rules"

// maxUpdateAttempts bounds optimistic retries. Each lost race means another
// writer committed, so this also bounds the number of concurrent writers
// that are guaranteed to succeed.
const maxUpdateAttempts = 32

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisRuleStore keeps the rule set as one JSON document under a single key
// and updates it with WATCH/MULTI/EXEC.
type RedisRuleStore struct {
	client redis.UniversalClient
	key    string
}

var _ RuleStore = (*RedisRuleStore)(nil)

// NewRedisRuleStore connects to the server named by a redis:// or rediss://
// URL. An empty key uses DefaultRuleKey.
func NewRedisRuleStore(redisURL, key string) (*RedisRuleStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return NewRedisRuleStoreWithClient(redis.NewClient(opts), key), nil
}

// NewRedisRuleStoreWithClient wraps an existing client. Tests use it with
// miniredis.
func NewRedisRuleStoreWithClient(client redis.UniversalClient, key string) *RedisRuleStore {
	if key == "" {
		key = DefaultRuleKey
	}
	return &RedisRuleStore{client: client, key: key}
}

func (s *RedisRuleStore) Load(ctx context.Context) (RuleSet, error) {
	return s.read(ctx, s.client)
}

func (s *RedisRuleStore) Update(ctx context.Context, fn func(RuleSet) error) error {
	txf := func(tx *redis.Tx) error {
		rs, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(rs); err != nil {
			return err
		}
		data, err := json.Marshal(rs)
		if err != nil {
			return fmt.Errorf("marshal team rules: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	for range maxUpdateAttempts {
		err := s.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConcurrentUpdate
}

// Ping checks connectivity for readiness probes.
func (s *RedisRuleStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRuleStore) Close() error {
	return s.client.Close()
}

// getter is the part of redis.Client and redis.Tx used by read.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisRuleStore) read(ctx context.Context, c getter) (RuleSet, error) {
	data, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return RuleSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get team rules: %w", err)
	}

	rs := RuleSet{}
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode team rules: %w", err)
	}
	if rs == nil {
		rs = RuleSet{}
	}
	return rs, nil
}
