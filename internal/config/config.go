package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Notification backends.
const (
	NotifyPostgres = "postgres"
	NotifyRedis    = "redis"
)

type Config struct {
	DatabaseURL   string        `env:"DATABASE_URL"`
	DBMaxConns    int32         `env:"DB_MAX_CONNS"`
	Concurrency   int           `env:"CONCURRENCY" envDefault:"1"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	TaskDirectory string        `env:"TASK_DIRECTORY" envDefault:"./tasks"`
	NotifyBackend string        `env:"NOTIFY_BACKEND" envDefault:"postgres"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"LOG_FORMAT" envDefault:"json"`
	NoLogSuccess  bool          `env:"NO_LOG_SUCCESS"`
	// DBMaxConns of 0 leaves pool sizing to the connection string and, for
	// workers, to the concurrency.

	APIAddr string `env:"API_ADDR" envDefault:":8080"`
	// APIEnqueueRate is in requests per second; 0 disables the limit.
	APIEnqueueRate  float64 `env:"API_ENQUEUE_RATE" envDefault:"0"`
	APIEnqueueBurst int     `env:"API_ENQUEUE_BURST" envDefault:"100"`
}

// Parse reads the environment without validating it, for callers that
// apply their own overrides first.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse environment")
	}
	return c, nil
}

func Load() (Config, error) {
	c, err := Parse()
	if err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate checks settings that env tags can't express. DATABASE_URL is
// checked by the runner, since an embedding program may supply a pool.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.Errorf("CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.DBMaxConns < 0 {
		return errors.Errorf("DB_MAX_CONNS must not be negative, got %d", c.DBMaxConns)
	}
	if c.APIEnqueueRate < 0 {
		return errors.Errorf("API_ENQUEUE_RATE must not be negative, got %g", c.APIEnqueueRate)
	}
	if c.PollInterval <= 0 {
		return errors.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	switch c.NotifyBackend {
	case NotifyPostgres, NotifyRedis:
	default:
		return errors.Errorf("NOTIFY_BACKEND must be %q or %q, got %q", NotifyPostgres, NotifyRedis, c.NotifyBackend)
	}
	return nil
}
