// Package redis provides a Redis-backed identity store for deployments
// that want shared dedup state without a relational database.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tfaulkner/listing-crawler/internal/hash/sha256"
	"github.com/tfaulkner/listing-crawler/internal/listing"
)

const defaultKeyPrefix = "identity:"

// IdentityStoreConfig controls the Redis connection and key layout.
type IdentityStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL bounds how long an identity survives without being seen
	// again. Zero means keys never expire.
	TTL time.Duration
}

// IdentityStore keeps one Redis hash per canonical URL. Keys are the
// SHA-256 digest of the URL so arbitrary URLs stay safe as key material.
type IdentityStore struct {
	client    redis.Cmdable
	hasher    *sha256.Hasher
	keyPrefix string
	ttl       time.Duration
}

// NewIdentityStore connects to Redis using the provided config.
func NewIdentityStore(cfg IdentityStoreConfig) (*IdentityStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewIdentityStoreWithClient(client, cfg.KeyPrefix, cfg.TTL)
}

// NewIdentityStoreWithClient constructs a store from an existing client
// (primarily for testing).
func NewIdentityStoreWithClient(client redis.Cmdable, keyPrefix string, ttl time.Duration) (*IdentityStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &IdentityStore{
		client:    client,
		hasher:    sha256.New(),
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}, nil
}

func (s *IdentityStore) key(url string) (string, error) {
	digest, err := s.hasher.Hash([]byte(url))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return s.keyPrefix + digest, nil
}

// Upsert records a sighting of url. HSETNX pins first_seen_at and
// owning_run_id to the first observer while HINCRBY keeps the sighting
// counter accurate under concurrent runs. The HSETNX reply doubles as
// the inserted flag.
func (s *IdentityStore) Upsert(ctx context.Context, url string, runID string, seenAt time.Time) (listing.IdentityRecord, bool, error) {
	key, err := s.key(url)
	if err != nil {
		return listing.IdentityRecord{}, false, err
	}

	seen := seenAt.UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	insertedCmd := pipe.HSetNX(ctx, key, "first_seen_at", seen)
	pipe.HSetNX(ctx, key, "owning_run_id", runID)
	pipe.HSetNX(ctx, key, "canonical_url", url)
	pipe.HSet(ctx, key, "last_seen_at", seen)
	timesCmd := pipe.HIncrBy(ctx, key, "times_seen", 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return listing.IdentityRecord{}, false, fmt.Errorf("upsert identity: %w", err)
	}

	record, found, err := s.load(ctx, key)
	if err != nil {
		return listing.IdentityRecord{}, false, err
	}
	if !found {
		return listing.IdentityRecord{}, false, fmt.Errorf("upsert identity: key %s vanished", key)
	}
	record.TimesSeen = int(timesCmd.Val())
	return record, insertedCmd.Val(), nil
}

// Close releases the connection when the store owns a real client.
func (s *IdentityStore) Close() error {
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Get fetches a record by canonical URL without mutating it.
func (s *IdentityStore) Get(ctx context.Context, url string) (listing.IdentityRecord, bool, error) {
	key, err := s.key(url)
	if err != nil {
		return listing.IdentityRecord{}, false, err
	}
	return s.load(ctx, key)
}

func (s *IdentityStore) load(ctx context.Context, key string) (listing.IdentityRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return listing.IdentityRecord{}, false, fmt.Errorf("get identity: %w", err)
	}
	if len(fields) == 0 {
		return listing.IdentityRecord{}, false, nil
	}

	record := listing.IdentityRecord{
		CanonicalURL: fields["canonical_url"],
		OwningRunID:  fields["owning_run_id"],
	}
	record.FirstSeenAt, err = parseTimeField(fields, "first_seen_at")
	if err != nil {
		return listing.IdentityRecord{}, false, err
	}
	record.LastSeenAt, err = parseTimeField(fields, "last_seen_at")
	if err != nil {
		return listing.IdentityRecord{}, false, err
	}
	if raw, ok := fields["times_seen"]; ok {
		record.TimesSeen, err = strconv.Atoi(raw)
		if err != nil {
			return listing.IdentityRecord{}, false, fmt.Errorf("parse times_seen %q: %w", raw, err)
		}
	}
	return record, true, nil
}

func parseTimeField(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", name, raw, err)
	}
	return parsed, nil
}
