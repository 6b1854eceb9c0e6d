package ledger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/adverve/roaspilot/internal/domain"
)

// RedisConfig controls the Redis stream sink.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Stream   string        `yaml:"stream"`
	MaxLen   int64         `yaml:"max_len"`
	DialTO   time.Duration `yaml:"dial_timeout"`
	WriteTO  time.Duration `yaml:"write_timeout"`
	PoolSize int           `yaml:"pool_size"`
}

// DefaultRedisConfig returns settings for a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		Stream:   "roaspilot:audit",
		MaxLen:   100000,
		DialTO:   5 * time.Second,
		WriteTO:  3 * time.Second,
		PoolSize: 10,
	}
}

// RedisLedger appends audit events to a capped Redis stream.
type RedisLedger struct {
	client *redis.Client
	config RedisConfig
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(ctx context.Context, config RedisConfig) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTO,
		WriteTimeout: config.WriteTO,
		PoolSize:     config.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisLedger{client: client, config: config}, nil
}

// Emit appends the event with XADD. The stream is trimmed approximately
// to MaxLen so the audit trail cannot grow without bound. Failures are
// logged and swallowed.
func (r *RedisLedger) Emit(ctx context.Context, event domain.AuditEvent) {
	values := map[string]interface{}{
		"type":        string(event.Type),
		"action_id":   event.ActionID,
		"action_type": string(event.ActionType),
		"target_id":   event.TargetID,
		"actor":       event.Actor,
		"detail":      event.Detail,
		"timestamp":   event.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.config.Stream,
		MaxLen: r.config.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		log.Warn().Err(err).
			Str("stream", r.config.Stream).
			Str("action_id", event.ActionID).
			Msg("audit event dropped")
	}
}

// Close releases the Redis connection pool.
func (r *RedisLedger) Close() error {
	return r.client.Close()
}
