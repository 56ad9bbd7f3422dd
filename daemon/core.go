// Package daemon assembles the state core from configuration and runs
// its background loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskguard/broker/paper"
	"github.com/rustyeddy/riskguard/clock"
	"github.com/rustyeddy/riskguard/config"
	"github.com/rustyeddy/riskguard/enforce"
	"github.com/rustyeddy/riskguard/journal"
	"github.com/rustyeddy/riskguard/lockout"
	"github.com/rustyeddy/riskguard/metrics"
	"github.com/rustyeddy/riskguard/pnl"
	"github.com/rustyeddy/riskguard/portfolio"
	"github.com/rustyeddy/riskguard/reset"
	"github.com/rustyeddy/riskguard/risk"
	"github.com/rustyeddy/riskguard/timer"
)

// StateCore owns every component of the running daemon. Nothing in it is
// global; tests build as many as they like.
type StateCore struct {
	Clock       clock.Clock
	Journal     *journal.Store
	Timers      *timer.Manager
	Lockouts    *lockout.Manager
	Resets      *reset.Scheduler
	Portfolio   *portfolio.Tracker
	PnL         pnl.Store
	Executor    *paper.Executor
	Dispatcher  *enforce.Dispatcher
	Coordinator *enforce.Coordinator
	Metrics     *metrics.Metrics

	cfg      *config.Config
	log      zerolog.Logger
	accounts map[string]bool
	fast     time.Duration
	slow     time.Duration
	redis    *redis.Client

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

type Option func(*options)

type options struct {
	clock clock.Clock
	pnl   pnl.Store
}

// WithClock replaces the wall clock, for tests and replays.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPnLStore overrides the backend chosen by cfg.PnL.
func WithPnLStore(s pnl.Store) Option {
	return func(o *options) { o.pnl = s }
}

// New builds a StateCore from a validated configuration. It opens the
// journal but starts nothing; call Start or Run.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*StateCore, error) {
	o := options{clock: clock.Real{}}
	for _, fn := range opts {
		fn(&o)
	}

	timeout, err := cfg.StorageTimeout()
	if err != nil {
		return nil, err
	}
	fast, slow, err := cfg.TickIntervals()
	if err != nil {
		return nil, err
	}
	backoff, err := cfg.Executor.Backoff()
	if err != nil {
		return nil, err
	}
	failures, breakerTimeout, err := cfg.Executor.Breaker()
	if err != nil {
		return nil, err
	}
	rules, err := risk.Build(cfg.Rules)
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(cfg.Storage.Driver, cfg.Storage.DSN, timeout)
	if err != nil {
		return nil, err
	}

	c := &StateCore{
		Clock:    o.clock,
		Journal:  j,
		Metrics:  metrics.New(),
		cfg:      cfg,
		log:      log,
		accounts: make(map[string]bool, len(cfg.Accounts)),
		fast:     fast,
		slow:     slow,
	}

	c.PnL = o.pnl
	if c.PnL == nil {
		switch cfg.PnL.Backend {
		case "redis":
			c.redis = redis.NewClient(&redis.Options{Addr: cfg.PnL.RedisAddr})
			c.PnL = pnl.NewRedisStore(c.redis, cfg.PnL.KeyPrefix)
		default:
			c.PnL = pnl.NewMemory()
		}
	}

	c.Timers = timer.NewManager(c.Clock, log)
	c.Lockouts = lockout.New(c.Clock, c.Timers, j, log, lockout.WithListener(c.Metrics))
	c.Portfolio = portfolio.NewTracker(c.PnL)
	c.Resets = reset.New(c.Clock, j, c.Portfolio, c.Lockouts, log, reset.WithListener(c.Metrics))
	for _, a := range cfg.Accounts {
		sopts, err := a.ScheduleOptions()
		if err != nil {
			c.closeStores()
			return nil, err
		}
		if err := c.Resets.ScheduleDailyReset(a.ID, a.Reset.Time, a.Reset.Timezone, sopts...); err != nil {
			c.closeStores()
			return nil, err
		}
		c.accounts[a.ID] = true
	}

	c.Executor = paper.New(c.Clock)
	c.Dispatcher = enforce.NewDispatcher(c.Executor, c.Clock, log,
		enforce.WithBackoff(backoff),
		enforce.WithRateLimit(cfg.Executor.CallsPerSecond, 1),
		enforce.WithBreaker(failures, breakerTimeout),
		enforce.WithJournal(j),
		enforce.WithMetrics(c.Metrics),
	)
	c.Coordinator = enforce.NewCoordinator(c.Clock, c.Lockouts, c.Resets, c.Portfolio, c.Dispatcher, log,
		enforce.WithCoordinatorMetrics(c.Metrics))
	c.Coordinator.SetRules(rules)

	// Fills and flat positions produced by enforcement go back through the
	// coordinator like any broker event.
	c.Executor.SetListener(func(ev risk.Event) {
		if _, err := c.Coordinator.HandleEvent(context.Background(), ev); err != nil {
			c.log.Error().Err(err).Str("account", ev.Account).Str("symbol", ev.Symbol).Msg("handle executor event")
		}
	})
	return c, nil
}

func (c *StateCore) closeStores() error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.Journal != nil {
		errs = append(errs, c.Journal.Close())
	}
	return errors.Join(errs...)
}

// HandleEvent is the event-source entry point. The paper executor mirrors
// the event so it can flatten what the feed reports.
func (c *StateCore) HandleEvent(ctx context.Context, ev risk.Event) (enforce.Outcome, error) {
	if !c.accounts[ev.Account] {
		c.log.Warn().Str("account", ev.Account).Msg("event for unconfigured account")
	}
	c.Executor.Observe(ev)
	return c.Coordinator.HandleEvent(ctx, ev)
}

// ReloadRules swaps in the rules from cfg. Account schedules are not
// reloaded.
func (c *StateCore) ReloadRules(cfg *config.Config) error {
	rules, err := risk.Build(cfg.Rules)
	if err != nil {
		return err
	}
	c.Coordinator.SetRules(rules)
	return nil
}

// recover reloads persisted lockouts and applies admin_clear entries.
func (c *StateCore) recover(ctx context.Context) error {
	loaded, cleared, err := c.Lockouts.LoadFromStorage(ctx)
	if err != nil {
		return fmt.Errorf("load lockouts: %w", err)
	}
	c.log.Info().Int("loaded", loaded).Int("cleared", cleared).Msg("lockouts restored")

	for _, k := range c.cfg.AdminClear {
		ok, err := c.Lockouts.ClearLockout(ctx, k.Key(), lockout.CauseAdmin)
		if err != nil {
			return fmt.Errorf("admin clear %s: %w", k.Key(), err)
		}
		c.log.Warn().Str("account", k.Account).Str("symbol", k.Symbol).Bool("found", ok).Msg("admin clear from configuration")
	}
	return nil
}
