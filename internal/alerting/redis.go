package alerting

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"mdpipeline/internal/model"
)

// RedisSink broadcasts alerts on a redis pub/sub channel so external
// watchers can subscribe without touching the pipeline process.
type RedisSink struct {
	client  *goredis.Client
	channel string
}

// NewRedisSink connects a publish-only client. Delivery is best effort;
// a down redis surfaces as per-alert write errors, not a startup failure.
func NewRedisSink(addr, password string, db int, channel string) *RedisSink {
	if channel == "" {
		channel = "alerts"
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Write(ctx context.Context, a model.Alert) error {
	if err := s.client.Publish(ctx, s.channel, string(a.JSON())).Err(); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
