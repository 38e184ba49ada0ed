package service

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QuotaStore accounts the bytes captured by the live sessions of each owner,
// across every session that owner has running.
type QuotaStore interface {
	Add(ctx context.Context, ownerID string, sessionUUID uuid.UUID, bytes int64) (int64, error)
	Usage(ctx context.Context, ownerID string) (int64, error)
	Release(ctx context.Context, ownerID string, sessionUUID uuid.UUID) error
}

const quotaKeyPrefix = "live-quota:"

type redisQuotaStore struct {
	client redis.UniversalClient
}

func NewRedisQuotaStore(client redis.UniversalClient) QuotaStore {
	return &redisQuotaStore{client: client}
}

func (s *redisQuotaStore) Add(ctx context.Context, ownerID string, sessionUUID uuid.UUID, bytes int64) (int64, error) {
	key := quotaKeyPrefix + ownerID
	var values *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, sessionUUID.String(), bytes)
		values = pipe.HVals(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sumValues(values.Val())
}

func (s *redisQuotaStore) Usage(ctx context.Context, ownerID string) (int64, error) {
	values, err := s.client.HVals(ctx, quotaKeyPrefix+ownerID).Result()
	if err != nil {
		return 0, err
	}
	return sumValues(values)
}

func (s *redisQuotaStore) Release(ctx context.Context, ownerID string, sessionUUID uuid.UUID) error {
	return s.client.HDel(ctx, quotaKeyPrefix+ownerID, sessionUUID.String()).Err()
}

func sumValues(values []string) (int64, error) {
	var total int64
	for _, v := range values {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

type memoryQuotaStore struct {
	mu    sync.Mutex
	usage map[string]map[uuid.UUID]int64
}

// NewMemoryQuotaStore keeps usage in process. It only sees the sessions of
// this instance.
func NewMemoryQuotaStore() QuotaStore {
	return &memoryQuotaStore{usage: make(map[string]map[uuid.UUID]int64)}
}

func (s *memoryQuotaStore) Add(_ context.Context, ownerID string, sessionUUID uuid.UUID, bytes int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, ok := s.usage[ownerID]
	if !ok {
		sessions = make(map[uuid.UUID]int64)
		s.usage[ownerID] = sessions
	}
	sessions[sessionUUID] += bytes
	return s.total(ownerID), nil
}

func (s *memoryQuotaStore) Usage(_ context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total(ownerID), nil
}

func (s *memoryQuotaStore) Release(_ context.Context, ownerID string, sessionUUID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.usage[ownerID], sessionUUID)
	return nil
}

func (s *memoryQuotaStore) total(ownerID string) int64 {
	var total int64
	for _, n := range s.usage[ownerID] {
		total += n
	}
	return total
}
