package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ButyrinIA/remy/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	inboxTTL  = 7 * 24 * time.Hour
	inboxSize = 100
)

// RedisInbox keeps the latest notices of every user in a redis list.
type RedisInbox struct {
	rdb    redis.UniversalClient
	prefix string
	log    *zap.Logger
}

// NewRedisInbox keeps notices in one redis list per recipient.
func NewRedisInbox(rdb redis.UniversalClient, log *zap.Logger) *RedisInbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisInbox{rdb: rdb, prefix: "remy:inbox:", log: log}
}

// Notify pushes n to the head of the recipient's inbox.
func (r *RedisInbox) Notify(ctx context.Context, n models.Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}

	key := r.key(n.RecipientID)
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, inboxTTL)
	pipe.LTrim(ctx, key, 0, inboxSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store notice for %s: %w", n.RecipientID, err)
	}
	return nil
}

// Inbox returns the stored notices of userID, newest first.
func (r *RedisInbox) Inbox(ctx context.Context, userID string) ([]models.Notice, error) {
	data, err := r.rdb.LRange(ctx, r.key(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox of %s: %w", userID, err)
	}
	out := make([]models.Notice, 0, len(data))
	for _, item := range data {
		var n models.Notice
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			r.log.Warn("undecodable notice skipped", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Clear empties the inbox of userID.
func (r *RedisInbox) Clear(ctx context.Context, userID string) error {
	return r.rdb.Del(ctx, r.key(userID)).Err()
}

func (r *RedisInbox) key(userID string) string {
	return r.prefix + userID
}
