package notify

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisListener receives the broadcast over Redis pub/sub, for deployments
// that put a pooler in front of Postgres which drops LISTEN sessions.
type RedisListener struct {
	rdb    *r.Client
	logger *zap.Logger
	delay  time.Duration
}

func NewRedisListener(rdb *r.Client, logger *zap.Logger) *RedisListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisListener{rdb: rdb, logger: logger.Named("notify"), delay: ReconnectDelay}
}

func (l *RedisListener) Listen(ctx context.Context, onNotify func()) error {
	return retryForever(ctx, l.logger, l.delay, l.subscribe, onNotify)
}

func (l *RedisListener) subscribe(ctx context.Context, onNotify func()) error {
	sub := l.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	// Receive the subscription confirmation so connection errors surface
	// here rather than as a silently closed channel.
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe")
	}
	l.logger.Debug("listening for new jobs", zap.String("channel", Channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			onNotify()
		}
	}
}

// RedisPublisher emits the broadcast after an enqueue.
type RedisPublisher struct{ rdb *r.Client }

func NewRedisPublisher(rdb *r.Client) *RedisPublisher { return &RedisPublisher{rdb} }

func (p *RedisPublisher) Publish(ctx context.Context) error {
	return errors.Wrap(p.rdb.Publish(ctx, Channel, "").Err(), "publish")
}
