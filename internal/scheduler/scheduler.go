// Package scheduler repeats upload cycles on a jittered interval.
//
// In ring-buffer mode the scheduler sleeps between cycles; a wake signal cuts
// the sleep short. In stream mode there is no sleep: the next cycle starts as
// soon as the previous one finishes, and the interval instead bounds how long
// each cycle waits for input (see PickDelay).
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"logupload/internal/cycle"
	"logupload/internal/logging"
	"logupload/internal/notify"
)

// By default every wake that arrives during a sleep is accepted.
const (
	DefaultWakeLimit = rate.Inf
	DefaultWakeBurst = 1
)

// Runner runs one cycle. *cycle.Cycle implements it.
type Runner interface {
	Run(ctx context.Context) (cycle.Outcome, error)
}

// Observer is told about every cycle and every wake. Implementations must not
// block.
type Observer interface {
	ObserveCycle(out cycle.Outcome, err error)
	ObserveWake(accepted bool)
}

// Config configures a Scheduler.
type Config struct {
	Cycle Runner

	// Interval is the mean time between cycles. Zero runs a single cycle.
	Interval time.Duration

	// Stream disables the inter-cycle sleep.
	Stream bool

	// Wake interrupts a sleep. Optional.
	Wake *notify.Signal

	// WakeLimit and WakeBurst optionally rate-limit accepted wakes. A zero
	// WakeLimit means unlimited.
	WakeLimit rate.Limit
	WakeBurst int

	Observer Observer
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Scheduler drives cycles until a fatal failure, end of input, or
// cancellation.
type Scheduler struct {
	cfg     Config
	clock   clockwork.Clock
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.WakeLimit == 0 {
		cfg.WakeLimit = DefaultWakeLimit
	}
	if cfg.WakeBurst <= 0 {
		cfg.WakeBurst = DefaultWakeBurst
	}
	return &Scheduler{
		cfg:     cfg,
		clock:   cfg.Clock,
		limiter: rate.NewLimiter(cfg.WakeLimit, cfg.WakeBurst),
		logger:  logging.Default(cfg.Logger).With("component", "scheduler"),
	}
}

// PickDelay returns a duration drawn uniformly from
// [interval - interval/12, interval + interval/12].
func PickDelay(interval time.Duration) time.Duration {
	spread := interval / 12
	if spread <= 0 {
		return interval
	}
	return interval - spread + time.Duration(rand.Int64N(int64(2*spread)+1)) //nolint:gosec // jitter, not security
}

// Run executes cycles. With a zero interval it runs one cycle and returns its
// error. Otherwise it returns nil on cancellation or end of input, and the
// failure itself when a cycle fails fatally. Non-fatal failures are logged and
// the next cycle proceeds as usual.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Interval == 0 {
		_, err := s.runCycle(ctx)
		return err
	}

	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "stream", s.cfg.Stream)
	for {
		out, err := s.runCycle(ctx)
		switch {
		case ctx.Err() != nil:
			s.logger.Info("scheduler stopped")
			return nil
		case err != nil && cycle.IsFatal(err):
			return err
		case err != nil:
			// Logged by the cycle; the next cycle retries from the same watermark.
		case out.EOF:
			s.logger.Info("input exhausted, stopping")
			return nil
		}

		if s.cfg.Stream {
			continue
		}
		if err := s.sleep(ctx); err != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) (cycle.Outcome, error) {
	out, err := s.cfg.Cycle.Run(ctx)
	if s.cfg.Observer != nil && !errors.Is(err, context.Canceled) {
		s.cfg.Observer.ObserveCycle(out, err)
	}
	return out, err
}

// sleep waits one jittered interval. A wake ends it early unless a wake limit
// is configured and exceeded, in which case the remaining time is slept.
func (s *Scheduler) sleep(ctx context.Context) error {
	d := PickDelay(s.cfg.Interval)
	s.logger.Debug("sleeping", "delay", d)

	// Armed before the timer exists, so a sleeper seen blocked on the clock
	// is always wakeable.
	var wake <-chan struct{}
	if s.cfg.Wake != nil {
		wake = s.cfg.Wake.C()
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.release(wake)
			return ctx.Err()
		case <-timer.Chan():
			s.release(wake)
			return nil
		case <-wake:
			accepted := s.limiter.AllowN(s.clock.Now(), 1)
			if s.cfg.Observer != nil {
				s.cfg.Observer.ObserveWake(accepted)
			}
			if accepted {
				s.logger.Info("woken early")
				return nil
			}
			s.logger.Debug("wake over rate limit, ignored")
			wake = s.cfg.Wake.C()
		}
	}
}

func (s *Scheduler) release(wake <-chan struct{}) {
	if wake != nil {
		s.cfg.Wake.Release()
	}
}
