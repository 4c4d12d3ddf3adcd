package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/varianteffect/mavedb-worker/internal/platform/envutil"
	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

const (
	readyKeyPrefix = "mavedb:queue:"
	dedupKeyPrefix = "mavedb:queue:dedup:"

	// Reservations outlive any sane job duration; Release clears them much
	// earlier on the normal path.
	dedupTTL = 24 * time.Hour
)

type redisGateway struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewRedisGateway wraps an existing client. Used directly by tests.
func NewRedisGateway(log *logger.Logger, rdb *goredis.Client) Gateway {
	return &redisGateway{
		log: log.With("service", "RedisQueueGateway"),
		rdb: rdb,
	}
}

// NewRedisGatewayFromEnv connects using REDIS_ADDR and pings before use.
func NewRedisGatewayFromEnv(log *logger.Logger) (Gateway, error) {
	addr := envutil.Str("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisGateway(log, rdb), nil
}

func readyKey(function string) string { return readyKeyPrefix + function }

func (g *redisGateway) Enqueue(ctx context.Context, function string, jobID uuid.UUID, opts ...EnqueueOption) (bool, error) {
	if function == "" || jobID == uuid.Nil {
		return false, fmt.Errorf("queue: function and job id required")
	}
	cfg := enqueueConfig{clientJobID: jobID.String()}
	for _, o := range opts {
		o(&cfg)
	}

	ok, err := g.rdb.SetNX(ctx, dedupKeyPrefix+cfg.clientJobID, jobID.String(), dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("queue dedup reserve: %w", err)
	}
	if !ok {
		// Already queued or running somewhere; coalesce.
		return true, nil
	}

	msg := Message{
		JobID:       jobID,
		ClientJobID: cfg.clientJobID,
		EnqueuedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	readyAt := time.Now().Add(cfg.deferBy)
	if err := g.rdb.ZAdd(ctx, readyKey(function), goredis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(raw),
	}).Err(); err != nil {
		// Roll the reservation back so a later enqueue is not a silent noop.
		_ = g.rdb.Del(ctx, dedupKeyPrefix+cfg.clientJobID).Err()
		return false, fmt.Errorf("queue enqueue: %w", err)
	}
	return true, nil
}

func (g *redisGateway) Dequeue(ctx context.Context, function string) (*Message, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := g.rdb.ZRangeByScore(ctx, readyKey(function), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 8,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	for _, member := range members {
		// ZRem is the claim: exactly one concurrent dequeuer removes the
		// member and wins it.
		removed, err := g.rdb.ZRem(ctx, readyKey(function), member).Result()
		if err != nil {
			return nil, fmt.Errorf("queue claim: %w", err)
		}
		if removed == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			g.log.Warn("Dropping malformed queue member", "function", function, "error", err)
			continue
		}
		return &msg, nil
	}
	return nil, nil
}

func (g *redisGateway) Release(ctx context.Context, clientJobID string) error {
	if clientJobID == "" {
		return nil
	}
	return g.rdb.Del(ctx, dedupKeyPrefix+clientJobID).Err()
}

func (g *redisGateway) Close() error {
	return g.rdb.Close()
}
