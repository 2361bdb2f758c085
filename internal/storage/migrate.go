package storage

import (
	"context"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/migrations"
)

// Migrate brings the enq schema up to date. Concurrent callers in other
// processes are serialised by a Postgres session advisory lock.
func (s *Store) Migrate(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := stdlib.OpenDBFromPool(s.db)
	defer db.Close()

	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return errors.Wrap(err, "migration lock")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS,
		goose.WithSessionLocker(locker),
	)
	if err != nil {
		return errors.Wrap(err, "migration provider")
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "migrate up")
	}
	for _, r := range results {
		logger.Info("applied migration",
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration))
	}
	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return errors.Wrap(err, "migration version")
	}
	logger.Debug("schema is current", zap.Int64("version", version))
	return nil
}
