package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisEventLog appends session events to a per-room Redis stream. Stream
// retention and downstream consumption belong to the platform, not the core.
type RedisEventLog struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisEventLog connects and pings the Redis instance.
func NewRedisEventLog(ctx context.Context, addr string, logger *slog.Logger) (*RedisEventLog, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return &RedisEventLog{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "event_log_redis")),
	}, nil
}

var _ EventLog = (*RedisEventLog)(nil)

func streamKey(roomToken string) string {
	return "room:" + roomToken + ":events"
}

func (l *RedisEventLog) Append(ctx context.Context, roomToken string, ev SessionEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	err = l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(roomToken),
		Values: map[string]any{
			"id":     ev.ID,
			"type":   ev.Type,
			"userId": ev.UserID,
			"at":     ev.At.UnixMilli(),
			"data":   string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append event to %s: %w", streamKey(roomToken), err)
	}
	return nil
}

func (l *RedisEventLog) Close() error {
	return l.rdb.Close()
}
