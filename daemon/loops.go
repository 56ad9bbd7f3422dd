package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Start restores persisted state, fires the reset of the most recent
// scheduled instant if it never fired (a reset missed while the process was
// down), and launches the fast and slow loops.
func (c *StateCore) Start(ctx context.Context) error {
	if err := c.recover(ctx); err != nil {
		return err
	}
	if _, err := c.Resets.CheckResetTime(ctx); err != nil {
		// Retried by the slow loop.
		c.log.Error().Err(err).Msg("startup reset check")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.loop(ctx, "fast", c.fast, c.FastTick)
	go c.loop(ctx, "slow", c.slow, c.SlowTick)
	c.log.Info().Dur("fast", c.fast).Dur("slow", c.slow).Int("accounts", len(c.accounts)).Msg("state core started")
	return nil
}

func (c *StateCore) loop(ctx context.Context, name string, every time.Duration, fn func(context.Context)) {
	defer c.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			fn(ctx)
			c.Metrics.ObserveTick(name, time.Since(start).Seconds())
		}
	}
}

// FastTick fires due timers, sweeps expired lockouts (retrying unpersisted
// writes), and retries pending enforcement.
func (c *StateCore) FastTick(ctx context.Context) {
	c.Metrics.TimersFiredN(c.Timers.Tick())
	c.Lockouts.CheckExpired(ctx)
	if n := c.Dispatcher.RetryPending(); n > 0 {
		c.log.Warn().Int("jobs", n).Msg("retrying pending enforcement")
	}
	st := c.Lockouts.Stats()
	c.Metrics.SetActiveLockouts(st.Active)
	if st.Unpersisted > 0 {
		c.log.Error().Int("unpersisted", st.Unpersisted).Msg("lockouts not yet persisted")
	}
}

// SlowTick runs the reset scheduler.
func (c *StateCore) SlowTick(ctx context.Context) {
	if _, err := c.Resets.CheckResetTime(ctx); err != nil {
		c.log.Error().Err(err).Msg("reset check")
	}
}

// Stop ends the loops, waits for in-flight enforcement, and closes the
// stores. It is safe to call more than once.
func (c *StateCore) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.Dispatcher.Close()
	if n := len(c.Dispatcher.Pending("")); n > 0 {
		c.log.Warn().Int("jobs", n).Msg("stopping with enforcement pending")
	}
	return c.closeStores()
}

// Run starts the core, serves the status surface when http.addr is set,
// and blocks until ctx is done.
func (c *StateCore) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return err
	}

	var srv *http.Server
	errc := make(chan error, 1)
	if addr := c.cfg.HTTP.Addr; addr != "" {
		srv = &http.Server{
			Addr:         addr,
			Handler:      c.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			c.log.Info().Str("addr", addr).Msg("status server listening (read-only)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		c.log.Error().Err(runErr).Msg("status server failed")
	}

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(sctx)
		cancel()
	}
	return errors.Join(runErr, c.Stop())
}
