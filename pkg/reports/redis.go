package reports

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps reports in a Redis list so several classroom devices can
// feed one dashboard.
type RedisStore struct {
	client     redis.UniversalClient
	ownsClient bool
	key        string
}

type RedisStoreParams struct {
	// Existing Redis client. When provided, the store does not close it.
	Client redis.UniversalClient

	// Redis URL used to create a dedicated client when Client is nil.
	// Example: redis://localhost:6379/0
	URL string

	// Optional key for the report list. Defaults to "shellie:reports".
	Key string
}

func NewRedisStore(ctx context.Context, params RedisStoreParams) (*RedisStore, error) {
	client := params.Client
	ownsClient := false
	if client == nil {
		if params.URL == "" {
			return nil, fmt.Errorf("redis client or url is required")
		}
		opts, err := redis.ParseURL(params.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		ownsClient = true
	}

	s := &RedisStore{
		client:     client,
		ownsClient: ownsClient,
		key:        cmp.Or(params.Key, "shellie:reports"),
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("redis is not reachable: %w", err)
	}
	return s, nil
}

func (s *RedisStore) Add(ctx context.Context, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("add redis report: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Report, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list redis reports: %w", err)
	}
	return decodeReports(raw), nil
}

// Clear reads and deletes the list in one transaction.
func (s *RedisStore) Clear(ctx context.Context) ([]Report, error) {
	pipe := s.client.TxPipeline()
	lrange := pipe.LRange(ctx, s.key, 0, -1)
	pipe.Del(ctx, s.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("clear redis reports: %w", err)
	}
	return decodeReports(lrange.Val()), nil
}

// Close closes the Redis client if this store owns it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

func decodeReports(raw []string) []Report {
	out := make([]Report, 0, len(raw))
	for _, payload := range raw {
		var r Report
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

var _ Store = (*RedisStore)(nil)
