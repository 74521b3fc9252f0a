// Package redisstore backs revalidate.Store with Redis, for deployments
// where conditional-request validators should survive a process
// restart even though the response cache entries themselves are
// process-local and not persisted.
//
// Grounded on the teacher's redisclient.Client construction
// (redis.ParseURL + redis.NewClient, bounded-context per call).
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type record struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Store is a revalidate.Store backed by Redis string keys holding a
// small JSON payload per fingerprint.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New builds a Store from a Redis connection URL. ttl bounds how long a
// validator record is retained; zero means no expiry is set.
func New(redisURL, keyPrefix string, ttl time.Duration) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Store{client: redis.NewClient(opt), prefix: keyPrefix, ttl: ttl}, nil
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) TryGetValidators(ctx context.Context, key string) (string, string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		return "", "", false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", "", false
	}
	if rec.ETag == "" && rec.LastModified == "" {
		return "", "", false
	}
	return rec.ETag, rec.LastModified, true
}

func (s *Store) SetValidators(ctx context.Context, key, etag, lastModified string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	payload, err := json.Marshal(record{ETag: etag, LastModified: lastModified})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), payload, s.ttl).Err()
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error { return s.client.Close() }
