package realtime

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wphive/backend/internal/config"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

// RedisBus republishes installation events on per-installation pub/sub topics
// (`{prefix}:{id}`) so subscribers on other nodes see the live stream.
// Delivery is best-effort, exactly like in-process fan-out.
type RedisBus struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

func NewRedisBus(cfg config.RedisConfig, log *logger.Logger) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "installation"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{log: log, rdb: rdb, prefix: prefix}, nil
}

func (b *RedisBus) topic(installationID uint) string {
	return fmt.Sprintf("%s:%d", b.prefix, installationID)
}

func (b *RedisBus) Publish(ctx context.Context, event domain.Event) error {
	payload, err := Frame(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.topic(event.InstallationID()), payload).Err()
}

// SubscribeRaw returns the raw frame stream of one installation topic. The
// returned stop function tears the subscription down.
func (b *RedisBus) SubscribeRaw(ctx context.Context, installationID uint) (<-chan []byte, func(), error) {
	sub := b.rdb.Subscribe(ctx, b.topic(installationID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan []byte, subscriberBacklog)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
