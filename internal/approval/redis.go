package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs approvals with Redis. The single-use invariant rides
// on SETNX: the consume marker key is written if-absent, so exactly one
// concurrent consumer wins even across gateway replicas.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisStore connects to Redis. ttl bounds how long unconsumed
// approvals remain redeemable; zero means no expiry.
func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags),
	}, nil
}

func recordKey(id string) string   { return "approval:" + id }
func consumedKey(id string) string { return "approval:" + id + ":consumed" }
func indexKey(cust string) string  { return "approvals:customer:" + cust }

func (s *RedisStore) Grant(ctx context.Context, a Approval) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, recordKey(a.ApprovalID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("grant approval: %w", err)
	}
	if err := s.rdb.RPush(ctx, indexKey(a.CustomerID), a.ApprovalID).Err(); err != nil {
		return fmt.Errorf("index approval: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, approvalID string) (Approval, error) {
	raw, err := s.rdb.Get(ctx, recordKey(approvalID)).Bytes()
	if err == redis.Nil {
		return Approval{}, ErrNotFound
	}
	if err != nil {
		return Approval{}, err
	}
	var a Approval
	if err := json.Unmarshal(raw, &a); err != nil {
		return Approval{}, err
	}
	return a, nil
}

func (s *RedisStore) List(ctx context.Context, customerID string, limit int) ([]Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	idList, err := s.rdb.LRange(ctx, indexKey(customerID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Approval, 0, len(idList))
	for _, id := range idList {
		a, err := s.Get(ctx, id)
		if err != nil {
			continue // expired entries fall out of the index lazily
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) Consume(ctx context.Context, approvalID, customerID, agentID string, at time.Time) (Approval, error) {
	a, err := s.Get(ctx, approvalID)
	if err != nil {
		return Approval{}, err
	}
	if a.CustomerID != customerID || a.AgentID != agentID {
		return Approval{}, ErrScopeMismatch
	}

	// SETNX is the compare-and-set: first writer of the consumed marker
	// wins, everyone else observes it already present.
	won, err := s.rdb.SetNX(ctx, consumedKey(approvalID), at.UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return Approval{}, fmt.Errorf("consume approval: %w", err)
	}
	if !won {
		return a, ErrAlreadyConsumed
	}

	t := at.UTC()
	a.ConsumedAt = &t
	if payload, err := json.Marshal(a); err == nil {
		// Best-effort record refresh; the marker key is authoritative.
		s.rdb.Set(ctx, recordKey(approvalID), payload, s.ttl)
	}
	return a, nil
}
