// Package command implements the confirmed-command protocol: a command is
// sent once and its effect is confirmed by polling asynchronously refreshed
// telemetry until a readiness condition holds, the timeout elapses or the
// context is cancelled.
package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/uavctl/internal/telemetry"
)

const (
	// DefaultPollInterval is the telemetry polling period while waiting for confirmation
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultTimeout bounds the wait for confirmation
	DefaultTimeout = 5 * time.Second
)

const (
	OutcomeSuccess Outcome = iota
	OutcomeRejected
	OutcomeTimeout
	OutcomeCancelled
	OutcomeNotReady
	OutcomeFatal
)

// Outcome classifies the result of a command
type Outcome int

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseOutcome is the inverse of Outcome.String
func ParseOutcome(s string) (Outcome, error) {
	for o := OutcomeSuccess; o <= OutcomeFatal; o++ {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown command outcome '%s'", s)
}

func (o Outcome) sentinel() error {
	switch o {
	case OutcomeTimeout:
		return ErrTimeout
	case OutcomeCancelled:
		return ErrCancelled
	case OutcomeNotReady:
		return ErrNotReady
	case OutcomeFatal:
		return ErrFatal
	default:
		return ErrRejected
	}
}

// Request describes a single confirmed command
type Request struct {
	Name string // Used in logs and errors

	// Invoke sends the command. A returned error is a rejection; wrap it with
	// Temporary when it comes from the transport rather than the vehicle.
	Invoke func(ctx context.Context) error

	// Ready is the condition confirming the command took effect. A nil Ready
	// confirms the command as soon as Invoke returns without error.
	Ready Condition

	PollInterval time.Duration // DefaultPollInterval if zero
	Timeout      time.Duration // DefaultTimeout if zero
}

// Result reports how a command completed
type Result struct {
	Outcome      Outcome
	ShortCircuit bool          // Ready already held, Invoke was not called
	Polls        int           // Condition evaluations after Invoke
	Elapsed      time.Duration // Measured from the start of Run
}

type config struct {
	logger *slog.Logger
}

// Option configures Run and Await
type Option func(*config)

// WithLogger sets the logger used to report command progress
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func newConfig(options []Option) *config {
	c := config{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&c)
	}
	return &c
}

// Run executes req against the telemetry in src. The returned error is an
// *Error for every outcome other than OutcomeSuccess.
func Run(ctx context.Context, src telemetry.Source, req Request, options ...Option) (Result, error) {
	cfg := newConfig(options)
	logger := cfg.logger.With(slog.String("command", req.Name))

	start := time.Now()
	pollInterval, timeout := req.PollInterval, req.Timeout
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if req.Ready != nil && Evaluate(req.Ready, src.Snapshot()) {
		logger.Info("command condition already holds", slog.String("condition", req.Ready.String()))
		return Result{Outcome: OutcomeSuccess, ShortCircuit: true, Elapsed: time.Since(start)}, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeCancelled, Elapsed: time.Since(start)}, NewError(req.Name, OutcomeCancelled, err)
	}

	if err := req.Invoke(ctx); err != nil {
		cmdErr := NewError(req.Name, OutcomeRejected, err)
		logger.Warn("command call failed", slog.String("error", err.Error()), slog.Bool("temporary", cmdErr.Temporary))
		return Result{Outcome: OutcomeRejected, Elapsed: time.Since(start)}, cmdErr
	}

	if req.Ready == nil {
		logger.Debug("command accepted")
		return Result{Outcome: OutcomeSuccess, Elapsed: time.Since(start)}, nil
	}

	logger.Debug("command accepted, awaiting confirmation", slog.String("condition", req.Ready.String()))

	polls, outcome := await(ctx, src, req.Ready, pollInterval, start.Add(timeout))
	res := Result{Outcome: outcome, Polls: polls, Elapsed: time.Since(start)}

	switch outcome {
	case OutcomeSuccess:
		logger.Info("command confirmed", slog.Int("polls", polls), slog.Duration("elapsed", res.Elapsed))
		return res, nil

	case OutcomeCancelled:
		logger.Warn("command wait cancelled", slog.Int("polls", polls))
		return res, NewError(req.Name, OutcomeCancelled, ctx.Err())

	default:
		logger.Error("command accepted but not confirmed",
			slog.String("condition", req.Ready.String()),
			slog.Duration("timeout", timeout),
			slog.Int("polls", polls))
		return res, NewError(req.Name, OutcomeTimeout, nil)
	}
}

// Await polls cond against src every pollInterval until it holds, timeout
// elapses or ctx is done. It returns the number of evaluations performed.
func Await(ctx context.Context, src telemetry.Source, cond Condition, pollInterval, timeout time.Duration) (int, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	polls, outcome := await(ctx, src, cond, pollInterval, time.Now().Add(timeout))
	switch outcome {
	case OutcomeSuccess:
		return polls, nil
	case OutcomeCancelled:
		return polls, NewError(cond.String(), OutcomeCancelled, ctx.Err())
	default:
		return polls, NewError(cond.String(), OutcomeTimeout, nil)
	}
}

func await(ctx context.Context, src telemetry.Source, cond Condition, pollInterval time.Duration, deadline time.Time) (int, Outcome) {
	polls := 0
	check := func() bool {
		polls++
		return Evaluate(cond, src.Snapshot())
	}

	if check() {
		return polls, OutcomeSuccess
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return polls, OutcomeCancelled

		case <-timer.C:
			if check() {
				return polls, OutcomeSuccess
			}
			return polls, OutcomeTimeout

		case <-ticker.C:
			if check() {
				return polls, OutcomeSuccess
			}
		}
	}
}
