package worker

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds how long a signalled process waits for its pools
// to drain before re-raising the signal.
const ShutdownTimeout = 5 * time.Second

// Signals that trigger a graceful shutdown.
var Signals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGUSR2,
	syscall.SIGABRT,
}

type shutdowner interface {
	signalShutdown(ctx context.Context, sig os.Signal, reason string) error
}

// Registry tracks the live pools of a process and drains them all when the
// process receives a termination signal. Signal handling is installed the
// first time a pool registers.
type Registry struct {
	logger  *zap.Logger
	signals []os.Signal
	timeout time.Duration

	// swapped out in tests
	notify func(c chan<- os.Signal, sig ...os.Signal)
	reset  func(sig ...os.Signal)
	raise  func(sig os.Signal) error

	mu           sync.Mutex
	pools        []shutdowner
	installed    bool
	shuttingDown bool
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger.Named("signals"),
		signals: Signals,
		timeout: ShutdownTimeout,
		notify:  signal.Notify,
		reset:   signal.Reset,
		raise:   raise,
	}
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	return NewRegistry(zap.L())
})

// DefaultRegistry is the process-wide registry used by pools that aren't
// given one.
func DefaultRegistry() *Registry { return defaultRegistry() }

// Register adds a pool. It fails once the process has begun shutting down.
func (r *Registry) Register(p shutdowner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return ErrShuttingDown
	}
	if !r.installed {
		r.install()
	}
	r.pools = append(r.pools, p)
	return nil
}

func (r *Registry) Unregister(p shutdowner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, other := range r.pools {
		if other == p {
			r.pools = append(r.pools[:i], r.pools[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// install must be called with mu held.
func (r *Registry) install() {
	r.installed = true
	ch := make(chan os.Signal, 1)
	r.notify(ch, r.signals...)
	r.logger.Debug("registered signal handlers")
	go func() {
		for sig := range ch {
			r.handle(sig)
		}
	}()
}

func (r *Registry) handle(sig os.Signal) {
	r.logger.Error("received signal; attempting graceful shutdown", zap.Stringer("signal", sig))

	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return
	}
	r.shuttingDown = true
	pools := append([]shutdowner(nil), r.pools...)
	r.mu.Unlock()

	go func() {
		r.shutdown(pools, sig)
		r.reset(r.signals...)
		r.logger.Error("graceful shutdown attempted; killing self", zap.Stringer("signal", sig))
		if err := r.raise(sig); err != nil {
			r.logger.Error("failed to re-raise signal", zap.Error(err))
		}
	}()
}

// shutdown drains pools concurrently, giving up after the timeout.
func (r *Registry) shutdown(pools []shutdowner, sig os.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	reason := "Forced worker shutdown due to " + sig.String()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		var g errgroup.Group
		for _, p := range pools {
			p := p
			g.Go(func() error { return p.signalShutdown(ctx, sig, reason) })
		}
		if err := g.Wait(); err != nil {
			r.logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		r.logger.Error("graceful shutdown timed out", zap.Duration("timeout", r.timeout))
	}
}

func raise(sig os.Signal) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return errors.Wrap(err, "find self")
	}
	return p.Signal(sig)
}
