package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPreferencesKey = "justserve:preferences"
	payloadField          = "payload"
	updatedAtField        = "updatedAt"
)

// PreferencesRepository keeps the preferences envelope in a redis hash.
type PreferencesRepository struct {
	client redis.UniversalClient
	key    string
}

func NewPreferencesRepository(client redis.UniversalClient, key string) *PreferencesRepository {
	storeKey := strings.TrimSpace(key)
	if storeKey == "" {
		storeKey = defaultPreferencesKey
	}
	return &PreferencesRepository{client: client, key: storeKey}
}

// NewClient parses a redis:// URL into a client.
func NewClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func (r *PreferencesRepository) Load(ctx context.Context) ([]byte, bool, error) {
	if r == nil || r.client == nil {
		return nil, false, nil
	}
	value, err := r.client.HGet(ctx, r.key, payloadField).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if strings.TrimSpace(value) == "" {
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (r *PreferencesRepository) Save(ctx context.Context, payload []byte) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.HSet(ctx, r.key, hashFields(payload, time.Now())).Err()
}

func (r *PreferencesRepository) Clear(ctx context.Context) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Del(ctx, r.key).Err()
}

func hashFields(payload []byte, now time.Time) map[string]any {
	return map[string]any{
		payloadField:   string(payload),
		updatedAtField: strconv.FormatInt(now.Unix(), 10),
	}
}
