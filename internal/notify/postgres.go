package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PGListener holds one connection out of the pool for LISTEN. It is never
// shared with workers.
type PGListener struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	delay  time.Duration
}

func NewPGListener(pool *pgxpool.Pool, logger *zap.Logger) *PGListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGListener{pool: pool, logger: logger.Named("notify"), delay: ReconnectDelay}
}

func (l *PGListener) Listen(ctx context.Context, onNotify func()) error {
	return retryForever(ctx, l.logger, l.delay, l.subscribe, onNotify)
}

func (l *PGListener) subscribe(ctx context.Context, onNotify func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "connect notify listener")
	}
	defer conn.Release()

	listen := "LISTEN " + pgx.Identifier{Channel}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		return errors.Wrap(err, "listen")
	}
	l.logger.Debug("listening for new jobs", zap.String("channel", Channel))

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				unlisten(conn)
				return nil
			}
			return errors.Wrap(err, "wait for notification")
		}
		onNotify()
	}
}

// unlisten clears the subscription before the connection goes back to the
// pool. WaitForNotification was interrupted by ctx, which pgx handles by
// closing the connection, so a failure here is expected and ignored.
func unlisten(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{Channel}.Sanitize())
}
