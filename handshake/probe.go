// Package handshake confirms that a freshly spawned worker answers before any
// real work is sent to it.
//
// A worker's startup latency is unbounded (process start, first-load
// compilation), so the probe pings with a per-attempt timeout and retries with
// pure exponential backoff: the delay before attempt i+1 is BaseDelay*2^(i-1).
// After MaxAttempts failed pings it gives up.
package handshake

import (
	"context"
	"errors"
	"time"

	"proof-rpc/bridgeerr"
	"proof-rpc/message"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts    = 10
	DefaultBaseDelay      = 100 * time.Millisecond
	DefaultAttemptTimeout = 2 * time.Second
)

// Pinger is the liveness call the probe repeats.
type Pinger interface {
	Ping(ctx context.Context) (string, error)
}

type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Attempt records one ping. DelayBeforeNext is zero for the last attempt.
type Attempt struct {
	Number          int
	DelayBeforeNext time.Duration
	Err             error
}

type Probe struct {
	cfg     Config
	backoff *backoff.Backoff
	logger  *zap.Logger
	observe func(Attempt)
}

type Option func(*Probe)

func WithLogger(l *zap.Logger) Option {
	return func(p *Probe) { p.logger = l }
}

// WithObserver is called after every attempt, from the probing goroutine.
func WithObserver(fn func(Attempt)) Option {
	return func(p *Probe) { p.observe = fn }
}

func New(cfg Config, opts ...Option) *Probe {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}

	// Max is never reached by the schedule; it only stops the library's 10s default from capping it.
	shift := cfg.MaxAttempts
	if shift > 30 {
		shift = 30
	}
	p := &Probe{
		cfg: cfg,
		backoff: &backoff.Backoff{
			Min:    cfg.BaseDelay,
			Max:    cfg.BaseDelay << shift,
			Factor: 2,
			Jitter: false,
		},
		logger:  zap.NewNop(),
		observe: func(Attempt) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Probe) Config() Config {
	return p.cfg
}

// Delay returns the wait after failed attempt n (1-based).
func (p *Probe) Delay(n int) time.Duration {
	return p.backoff.ForAttempt(float64(n - 1))
}

// Run pings until the worker answers or the attempts run out. Errors that a
// retry cannot fix (a closed channel, a protocol mismatch) end the probe early.
func (p *Probe) Run(ctx context.Context, pinger Pinger) error {
	var lastErr error
	for n := 1; n <= p.cfg.MaxAttempts; n++ {
		err := p.attempt(ctx, pinger)
		if err == nil {
			p.observe(Attempt{Number: n})
			p.logger.Debug("worker answered ping", zap.Int("attempt", n))
			return nil
		}
		lastErr = err

		if !bridgeerr.Retryable(err) {
			p.observe(Attempt{Number: n, Err: err})
			return bridgeerr.Transport("handshake", err, "worker probe aborted")
		}
		if n == p.cfg.MaxAttempts {
			p.observe(Attempt{Number: n, Err: err})
			break
		}

		delay := p.Delay(n)
		p.observe(Attempt{Number: n, DelayBeforeNext: delay, Err: err})
		p.logger.Warn("worker ping failed",
			zap.Int("attempt", n),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return bridgeerr.Transport("handshake", ctx.Err(), "probe cancelled")
		case <-timer.C:
		}
	}
	return bridgeerr.Transport("handshake", lastErr, "worker communication failed after %d attempts", p.cfg.MaxAttempts)
}

// attempt races one ping against the attempt timeout. A ping that loses the
// race is abandoned, not cancelled; its late answer is ignored.
func (p *Probe) attempt(ctx context.Context, pinger Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := pinger.Ping(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return bridgeerr.Timeout(message.OpPing, "no reply within %s", p.cfg.AttemptTimeout)
		}
		return bridgeerr.Transport(message.OpPing, ctx.Err(), "ping abandoned")
	}
}
