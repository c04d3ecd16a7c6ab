// Package persistredis is a Redis-backed implementation of the core's
// Persistence contract, grounded on the teacher's demo RedisFeatureCache
// (demo/redis_cache_demo.go): a go-redis/v8 client, a key prefix, and plain
// JSON-encoded values with ctx.Background() used sparingly outside the
// methods that accept a caller-supplied context.
package persistredis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/flagedge/flagedge"
)

const tokensKey = "tokens"

// Store is a Redis-backed edge.Persistence implementation.
type Store struct {
	client *redis.Client
	prefix string
}

var _ edge.Persistence = (*Store)(nil)

// New wraps an existing Redis client. prefix is prepended to every key this
// Store reads or writes, matching the teacher's "gb:"-style namespacing.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += p
	}
	return key
}

// LoadTokens returns every token persisted under the tokens key.
func (s *Store) LoadTokens(ctx context.Context) ([]edge.Token, error) {
	val, err := s.client.Get(ctx, s.key(tokensKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistredis: load tokens: %w", err)
	}

	var secrets []string
	if err := json.Unmarshal([]byte(val), &secrets); err != nil {
		return nil, fmt.Errorf("persistredis: decode tokens: %w", err)
	}

	tokens := make([]edge.Token, 0, len(secrets))
	for _, secret := range secrets {
		tok, err := edge.ParseToken(secret)
		if err != nil {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// SaveTokens persists the full current set of registered token secrets.
func (s *Store) SaveTokens(ctx context.Context, tokens []edge.Token) error {
	secrets := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		secrets = append(secrets, tok.Secret)
	}
	data, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("persistredis: encode tokens: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokensKey), string(data), 0).Err(); err != nil {
		return fmt.Errorf("persistredis: save tokens: %w", err)
	}
	return nil
}

// LoadFeatures returns the previously-persisted FeaturePayload for env.
func (s *Store) LoadFeatures(ctx context.Context, env string) (edge.FeaturePayload, bool, error) {
	val, err := s.client.Get(ctx, s.key("features:", env)).Result()
	if err == redis.Nil {
		return edge.FeaturePayload{}, false, nil
	}
	if err != nil {
		return edge.FeaturePayload{}, false, fmt.Errorf("persistredis: load features: %w", err)
	}

	var payload edge.FeaturePayload
	if err := json.Unmarshal([]byte(val), &payload); err != nil {
		return edge.FeaturePayload{}, false, fmt.Errorf("persistredis: decode features: %w", err)
	}
	return payload, true, nil
}

// SaveFeatures persists env's current FeaturePayload with no expiry: unlike
// the teacher's cache entries, a persisted payload has no TTL of its own —
// it is superseded by the next successful refresh, not aged out.
func (s *Store) SaveFeatures(ctx context.Context, env string, payload edge.FeaturePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("persistredis: encode features: %w", err)
	}
	if err := s.client.Set(ctx, s.key("features:", env), string(data), 0).Err(); err != nil {
		return fmt.Errorf("persistredis: save features: %w", err)
	}
	return nil
}
