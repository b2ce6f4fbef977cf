package correlation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhouzirui/visitor-relay/internal/config"
)

// RedisTable stores correlations in Redis:
//
//	<prefix>:msg:<operatorMessageID>  -> visitorID
//	<prefix>:visitor:<visitorID>      -> set of operatorMessageIDs
//
// Keys carry a TTL only as a backstop for a crash between Record and
// PurgeVisitor; live sessions are always purged explicitly.
type RedisTable struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Table = (*RedisTable)(nil)

// NewRedisTable connects to Redis and verifies the connection.
func NewRedisTable(logger *zap.Logger, cfg config.RedisConfig) (*RedisTable, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "relay:corr"
	}

	return &RedisTable{
		logger: logger.Named("correlation.redis"),
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
	}, nil
}

func (t *RedisTable) messageKey(id int64) string {
	return t.prefix + ":msg:" + strconv.FormatInt(id, 10)
}

func (t *RedisTable) visitorKey(visitorID string) string {
	return t.prefix + ":visitor:" + visitorID
}

func (t *RedisTable) Record(ctx context.Context, operatorMessageID int64, visitorID string) error {
	msgKey := t.messageKey(operatorMessageID)

	prev, err := t.client.Get(ctx, msgKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read correlation %d: %w", operatorMessageID, err)
	}

	member := strconv.FormatInt(operatorMessageID, 10)
	pipe := t.client.TxPipeline()
	if prev != "" && prev != visitorID {
		pipe.SRem(ctx, t.visitorKey(prev), member)
	}
	pipe.Set(ctx, msgKey, visitorID, t.ttl)
	pipe.SAdd(ctx, t.visitorKey(visitorID), member)
	if t.ttl > 0 {
		pipe.Expire(ctx, t.visitorKey(visitorID), t.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record correlation %d: %w", operatorMessageID, err)
	}
	return nil
}

func (t *RedisTable) Resolve(ctx context.Context, operatorMessageID int64) (string, bool, error) {
	visitorID, err := t.client.Get(ctx, t.messageKey(operatorMessageID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve correlation %d: %w", operatorMessageID, err)
	}
	return visitorID, true, nil
}

func (t *RedisTable) PurgeVisitor(ctx context.Context, visitorID string) error {
	vKey := t.visitorKey(visitorID)
	members, err := t.client.SMembers(ctx, vKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list correlations for %s: %w", visitorID, err)
	}

	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			t.logger.Warn("skipping malformed correlation member",
				zap.String("visitor_id", visitorID),
				zap.String("member", m))
			continue
		}
		keys = append(keys, t.messageKey(id))
	}
	keys = append(keys, vKey)

	if err := t.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to purge correlations for %s: %w", visitorID, err)
	}
	return nil
}

// Close releases the underlying client.
func (t *RedisTable) Close() error {
	return t.client.Close()
}
