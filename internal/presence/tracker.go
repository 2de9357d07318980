package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// counterTTL bounds how long a counter survives a process that died without
// running its disconnect path.
const counterTTL = 24 * time.Hour

// TimestampWriter persists the user's last online moment.
type TimestampWriter interface {
	TouchOnline(ctx context.Context, userID string) error
}

// Tracker counts live sessions per user in Redis. Every operation is best
// effort: failures are logged and never interrupt messaging.
type Tracker struct {
	redis *redis.Client
	users TimestampWriter
	log   *zap.Logger
}

func NewTracker(redisClient *redis.Client, users TimestampWriter, log *zap.Logger) *Tracker {
	return &Tracker{redis: redisClient, users: users, log: log}
}

func key(userID string) string {
	return fmt.Sprintf("presence:sessions:%s", userID)
}

func (t *Tracker) Connected(ctx context.Context, userID string) {
	pipe := t.redis.TxPipeline()
	pipe.Incr(ctx, key(userID))
	pipe.Expire(ctx, key(userID), counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("presence increment failed", zap.String("user_id", userID), zap.Error(err))
	}
	t.touch(ctx, userID)
}

func (t *Tracker) Disconnected(ctx context.Context, userID string) {
	n, err := t.redis.Decr(ctx, key(userID)).Result()
	if err != nil {
		t.log.Warn("presence decrement failed", zap.String("user_id", userID), zap.Error(err))
	} else if n <= 0 {
		t.redis.Del(ctx, key(userID))
	}
	t.touch(ctx, userID)
}

func (t *Tracker) Online(ctx context.Context, userID string) (bool, error) {
	n, err := t.redis.Get(ctx, key(userID)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *Tracker) touch(ctx context.Context, userID string) {
	if t.users == nil {
		return
	}
	if err := t.users.TouchOnline(ctx, userID); err != nil {
		t.log.Warn("online timestamp update failed", zap.String("user_id", userID), zap.Error(err))
	}
}
