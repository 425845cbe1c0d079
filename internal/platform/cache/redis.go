package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Options locates the Redis instance shared by the rate limiter, the recompute locks
// and the asynq queues.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Asynq returns the same connection settings for the job client, server and inspector.
func (o Options) Asynq() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password, DB: o.DB}
}

// New creates a Redis client and fails fast when the server is unreachable or
// rejects the credentials.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.DB < 0 || opts.DB > 15 {
		return nil, fmt.Errorf("platform/cache: redis db %d out of range", opts.DB)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s db=%d: %w", opts.Addr, opts.DB, err)
	}

	return client, nil
}
