package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fruitsalade/bundleproxy/internal/logging"
)

const scanBatch = 256

// RedisStore keeps entries in Redis (or a Redis-compatible server) so
// several proxy instances share one cache. Each entry is a hash under
// "{ns}:blob:{key}"; Ready markers are JSON strings under
// "{ns}:folder:{backend}:{root}/".
type RedisStore struct {
	client *redis.Client
	ns     string
	ttl    time.Duration
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// URL has the form redis://[password@]host:port[/db].
	URL string
	// Namespace prefixes every key. Defaults to "bundleproxy".
	Namespace string
	// TTL expires entries and markers; zero keeps them until pruned.
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "bundleproxy"
	}
	logging.Info("connected to redis cache store", logging.String("addr", opts.Addr), logging.String("namespace", ns))

	return &RedisStore{client: client, ns: ns, ttl: cfg.TTL}, nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) blobKey(key string) string { return s.ns + ":blob:" + key }

func (s *RedisStore) folderKey(backendID, root string) string {
	return s.ns + ":folder:" + RootPrefix(backendID, root)
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.blobKey(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, false, nil
	}

	gen, _ := strconv.Atoi(vals["generation"])
	fetched, _ := time.Parse(time.RFC3339Nano, vals["fetched_at"])
	return &Entry{
		Key:         key,
		Bytes:       []byte(vals["data"]),
		ContentType: vals["content_type"],
		FetchedAt:   fetched,
		Generation:  gen,
	}, true, nil
}

func (s *RedisStore) Put(ctx context.Context, e *Entry) error {
	k := s.blobKey(e.Key)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k,
		"data", e.Bytes,
		"content_type", e.ContentType,
		"fetched_at", e.FetchedAt.Format(time.RFC3339Nano),
		"generation", e.Generation,
	)
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s: %w", e.Key, err)
	}
	return nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n := 0
	err := s.scan(ctx, s.blobKey(escapeGlob(prefix))+"*", func(keys []string) error {
		deleted, err := s.client.Del(ctx, keys...).Result()
		n += int(deleted)
		return err
	})
	return n, err
}

func (s *RedisStore) Prune(ctx context.Context, generation int) (int, error) {
	n := 0
	want := strconv.Itoa(generation)
	err := s.scan(ctx, s.ns+":blob:*", func(keys []string) error {
		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(keys))
		for i, k := range keys {
			cmds[i] = pipe.HGet(ctx, k, "generation")
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var stale []string
		for i, cmd := range cmds {
			if v, err := cmd.Result(); err != nil || v != want {
				stale = append(stale, keys[i])
			}
		}
		if len(stale) == 0 {
			return nil
		}
		deleted, err := s.client.Del(ctx, stale...).Result()
		n += int(deleted)
		return err
	})
	if err != nil {
		return n, fmt.Errorf("redis prune: %w", err)
	}

	// Markers of other generations describe entries that are gone now.
	err = s.scan(ctx, s.ns+":folder:*", func(keys []string) error {
		for _, k := range keys {
			raw, err := s.client.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}
			var m Marker
			if json.Unmarshal(raw, &m) != nil || m.Generation != generation {
				s.client.Del(ctx, k)
			}
		}
		return nil
	})
	return n, err
}

func (s *RedisStore) Stats(ctx context.Context) (StoreStats, error) {
	var st StoreStats
	err := s.scan(ctx, s.ns+":blob:*", func(keys []string) error {
		pipe := s.client.Pipeline()
		cmds := make([]*redis.IntCmd, len(keys))
		for i, k := range keys {
			cmds[i] = pipe.HStrLen(ctx, k, "data")
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for _, cmd := range cmds {
			st.Entries++
			st.Bytes += cmd.Val()
		}
		return nil
	})
	return st, err
}

func (s *RedisStore) GetMarker(ctx context.Context, backendID, root string) (*Marker, bool, error) {
	raw, err := s.client.Get(ctx, s.folderKey(backendID, root)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, nil
	}
	return &m, true, nil
}

func (s *RedisStore) PutMarker(ctx context.Context, backendID, root string, m *Marker) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.folderKey(backendID, root), raw, s.ttl).Err()
}

func (s *RedisStore) DeleteMarker(ctx context.Context, backendID, root string) error {
	return s.client.Del(ctx, s.folderKey(backendID, root)).Err()
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) scan(ctx context.Context, match string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
