package enforce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/riskguard/broker"
	"github.com/rustyeddy/riskguard/clock"
	"github.com/rustyeddy/riskguard/fault"
	"github.com/rustyeddy/riskguard/id"
	"github.com/rustyeddy/riskguard/journal"
	"github.com/rustyeddy/riskguard/metrics"
	"github.com/rustyeddy/riskguard/risk"
)

// Job is the executor work produced by one violation. Commands run in
// order; a job is confirmed once all of them have succeeded.
type Job struct {
	ID        string
	Account   string
	Symbol    string
	RuleID    string
	Action    risk.Action
	Commands  []broker.Command
	CreatedAt time.Time

	Attempts int
	LastErr  string

	done int
}

// ActionJournal records enforcement outcomes.
type ActionJournal interface {
	RecordAction(ctx context.Context, a journal.ActionRecord) error
}

// Dispatcher runs executor jobs off the event path. Each round of a job
// retries transient failures with bounded backoff; a job whose round is
// exhausted stays pending until RetryPending confirms it.
type Dispatcher struct {
	exec    broker.Executor
	clock   clock.Clock
	log     zerolog.Logger
	backoff fault.Backoff
	limiter *rate.Limiter
	journal ActionJournal
	metrics *metrics.Metrics

	breakerSettings gobreaker.Settings

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  map[string]*Job
	inflight map[string]bool
	breakers map[string]*gobreaker.CircuitBreaker
}

type DispatcherOption func(*Dispatcher)

func WithBackoff(b fault.Backoff) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = b }
}

// WithRateLimit paces executor calls to perSecond with the given burst.
// Zero disables pacing.
func WithRateLimit(perSecond float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithBreaker opens an account's circuit after failures consecutive
// executor errors and probes again after timeout.
func WithBreaker(failures uint32, timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.breakerSettings.Timeout = timeout
		d.breakerSettings.ReadyToTrip = func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		}
	}
}

func WithJournal(j ActionJournal) DispatcherOption {
	return func(d *Dispatcher) { d.journal = j }
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(exec broker.Executor, c clock.Clock, log zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		exec:     exec,
		clock:    c,
		log:      log.With().Str("component", "dispatcher").Logger(),
		backoff:  fault.DefaultBackoff,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*Job),
		inflight: make(map[string]bool),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	WithBreaker(5, 30*time.Second)(d)
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) breaker(account string) *gobreaker.CircuitBreaker {
	cb, ok := d.breakers[account]
	if !ok {
		st := d.breakerSettings
		st.Name = account
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			d.log.Warn().Str("account", name).Str("from", from.String()).Str("to", to.String()).Msg("executor breaker state change")
		}
		cb = gobreaker.NewCircuitBreaker(st)
		d.breakers[account] = cb
	}
	return cb
}

// Submit queues j and starts it in the background. It returns the job id.
func (d *Dispatcher) Submit(j Job) string {
	if j.ID == "" {
		j.ID = id.At(d.clock.Now())
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = d.clock.Now()
	}
	job := &j

	d.mu.Lock()
	d.pending[job.ID] = job
	d.inflight[job.ID] = true
	n := len(d.pending)
	d.mu.Unlock()
	d.metrics.SetPending(n)

	d.record(job, journal.ActionPending)
	d.wg.Add(1)
	go d.run(job)
	return job.ID
}

// RetryPending restarts every pending job that is not already running and
// returns how many it started.
func (d *Dispatcher) RetryPending() int {
	d.mu.Lock()
	var jobs []*Job
	for jid, j := range d.pending {
		if d.inflight[jid] {
			continue
		}
		d.inflight[jid] = true
		jobs = append(jobs, j)
	}
	d.mu.Unlock()

	for _, j := range jobs {
		d.wg.Add(1)
		go d.run(j)
	}
	return len(jobs)
}

func (d *Dispatcher) run(j *Job) {
	defer d.wg.Done()
	err := d.runCommands(j)

	d.mu.Lock()
	delete(d.inflight, j.ID)
	if err == nil {
		delete(d.pending, j.ID)
	} else {
		j.LastErr = err.Error()
	}
	n := len(d.pending)
	d.mu.Unlock()
	d.metrics.SetPending(n)

	if err != nil {
		d.log.Error().Err(err).
			Str("account", j.Account).
			Str("action", j.Action.String()).
			Str("rule", j.RuleID).
			Int("attempt", j.Attempts).
			Msg("enforcement not confirmed; will retry")
		d.record(j, journal.ActionFailed)
		return
	}
	d.log.Info().
		Str("account", j.Account).
		Str("symbol", j.Symbol).
		Str("action", j.Action.String()).
		Str("rule", j.RuleID).
		Msg("enforcement confirmed")
	d.record(j, journal.ActionDone)
}

// runCommands resumes j at its first unconfirmed command.
func (d *Dispatcher) runCommands(j *Job) error {
	for {
		d.mu.Lock()
		if j.done >= len(j.Commands) {
			d.mu.Unlock()
			return nil
		}
		cmd := j.Commands[j.done]
		d.mu.Unlock()

		n, err := fault.Retry(d.ctx, d.backoff, func(attempt int) error {
			if attempt > 1 {
				d.log.Warn().Str("account", cmd.Account).Str("action", cmd.Op.String()).Int("attempt", attempt).Msg("retrying executor call")
			}
			return d.call(cmd)
		})

		d.mu.Lock()
		j.Attempts += n
		if err == nil {
			j.done++
		}
		d.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%s %s: %w", cmd.Op, cmd.Account, err)
		}
	}
}

func (d *Dispatcher) call(cmd broker.Command) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return err
		}
	}
	d.mu.Lock()
	cb := d.breaker(cmd.Account)
	d.mu.Unlock()

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, broker.Do(d.ctx, d.exec, cmd)
	})
	d.metrics.ExecutorCall(cmd.Op.String(), err)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fault.Transient("executor breaker", err)
	}
	// Broker calls are I/O; treat every failure as retryable.
	return fault.Transient("executor "+cmd.Op.String(), err)
}

func (d *Dispatcher) record(j *Job, status journal.ActionStatus) {
	if d.journal == nil {
		return
	}
	now := d.clock.Now()
	d.mu.Lock()
	a := journal.ActionRecord{
		ID:        j.ID,
		AccountID: j.Account,
		Symbol:    j.Symbol,
		RuleID:    j.RuleID,
		Action:    j.Action.String(),
		Status:    status,
		Attempts:  j.Attempts,
		Message:   j.LastErr,
		CreatedAt: j.CreatedAt,
		UpdatedAt: now,
	}
	d.mu.Unlock()
	if status == journal.ActionDone {
		a.Message = ""
	}
	if err := d.journal.RecordAction(d.ctx, a); err != nil {
		d.log.Error().Err(err).Str("account", j.Account).Msg("record enforcement action")
	}
}

// Pending returns a copy of the unconfirmed jobs for account, oldest
// first. An empty account returns all of them.
func (d *Dispatcher) Pending(account string) []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Job
	for _, j := range d.pending {
		if account == "" || j.Account == account {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Wait blocks until every running job has finished its current round.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close stops retries in progress and waits for jobs to return.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
