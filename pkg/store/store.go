package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound indicates the result does not exist or has expired.
	ErrNotFound = errors.New("batch result not found")

	// ErrExists indicates a result with the same id already exists.
	ErrExists = errors.New("batch result already exists")

	// ErrInvalidResult indicates the stored result is corrupted.
	ErrInvalidResult = errors.New("invalid batch result")
)

// DefaultTTL is how long results are kept when no TTL is configured.
const DefaultTTL = 15 * time.Minute

// Store persists asynchronous batch results in Redis.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a result store. A ttl <= 0 selects DefaultTTL.
func New(redisClient *redis.Client, ttl time.Duration) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		redis: redisClient,
		ttl:   ttl,
	}
}

// TTL returns the retention of results.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create records a running batch. It returns ErrExists if id is taken.
func (s *Store) Create(ctx context.Context, id string) (*Result, error) {
	now := time.Now()
	result := &Result{
		ID:        id,
		Status:    StatusRunning,
		CreatedAt: now,
		Expires:   now.Add(s.ttl),
	}

	data, err := json.Marshal(result)
	if err != nil {
		StoreErrors.WithLabelValues("create").Inc()
		return nil, fmt.Errorf("marshal batch result: %w", err)
	}

	StoreOperations.WithLabelValues("create").Inc()
	ok, err := s.redis.SetNX(ctx, Key(id), data, s.ttl).Result()
	if err != nil {
		StoreErrors.WithLabelValues("create").Inc()
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, ErrExists
	}
	return result, nil
}

// Complete stores the composite response of a finished batch. batchErr is
// the framework-level error of the batch, if any; a batch whose composite
// response could not be produced is stored as failed.
func (s *Store) Complete(ctx context.Context, id string, statusCode int, contentType string, body []byte, batchErr error) error {
	result, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now()
	result.Status = StatusCompleted
	if statusCode >= 500 {
		result.Status = StatusFailed
	}
	result.StatusCode = statusCode
	result.ContentType = contentType
	result.Body = body
	result.CompletedAt = now
	result.Expires = now.Add(s.ttl)
	if batchErr != nil {
		result.Error = batchErr.Error()
	}

	return s.put(ctx, "complete", result)
}

// Get retrieves a result by id.
// Returns ErrNotFound if the id is unknown or the result expired.
func (s *Store) Get(ctx context.Context, id string) (*Result, error) {
	StoreOperations.WithLabelValues("get").Inc()

	data, err := s.redis.Get(ctx, Key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		StoreErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}

	if result.IsExpired() {
		_ = s.Delete(ctx, id)
		return nil, ErrNotFound
	}

	return &result, nil
}

// Delete removes a result.
func (s *Store) Delete(ctx context.Context, id string) error {
	StoreOperations.WithLabelValues("delete").Inc()
	if err := s.redis.Del(ctx, Key(id)).Err(); err != nil {
		StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, operation string, result *Result) error {
	ttl := result.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		StoreErrors.WithLabelValues(operation).Inc()
		return fmt.Errorf("marshal batch result: %w", err)
	}

	StoreOperations.WithLabelValues(operation).Inc()
	if err := s.redis.Set(ctx, Key(result.ID), data, ttl).Err(); err != nil {
		StoreErrors.WithLabelValues(operation).Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
