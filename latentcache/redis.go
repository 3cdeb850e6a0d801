package latentcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys. The key index lives at Prefix+"keys".
	Prefix string
	// TTL expires entries; zero keeps them.
	TTL time.Duration
}

// RedisStore keeps encoded entries in Redis and indexes their keys in a set.
type RedisStore struct {
	client *redis.Client
	opts   RedisOptions
	logger zerolog.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Str("prefix", opts.Prefix).Msg("latent cache connected")
	return &RedisStore{client: client, opts: opts, logger: logger}, nil
}

func (s *RedisStore) indexKey() string { return s.opts.Prefix + "keys" }

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, e Entry) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.opts.Prefix+key, b, s.opts.TTL)
		p.SAdd(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store latent %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	b, err := s.client.Get(ctx, s.opts.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load latent %s: %w", key, err)
	}
	return Decode(b)
}

// Keys implements Store. Index members whose value expired are dropped from
// the index.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("error reading key index: %w", err)
	}
	var keys, stale []string
	for _, k := range members {
		n, err := s.client.Exists(ctx, s.opts.Prefix+k).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			stale = append(stale, k)
			continue
		}
		keys = append(keys, k)
	}
	if len(stale) > 0 {
		s.logger.Debug().Str("keys", strings.Join(stale, ",")).Msg("dropping expired latent keys")
		if err := s.client.SRem(ctx, s.indexKey(), stale).Err(); err != nil {
			return nil, err
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }
