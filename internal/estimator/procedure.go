// Package estimator restarts the flight stack's state estimator and blocks
// until it reports a fresh, valid horizontal position estimate.
package estimator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/uavctl/internal/command"
	"github.com/roman-kulish/uavctl/internal/telemetry"
)

const (
	VariantEKF2 = "ekf2"
	VariantLPE  = "lpe"

	// DefaultPollInterval is how often the estimator status is checked
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultMaxWait bounds the wait for a valid estimate after a restart
	DefaultMaxWait = 30 * time.Second
)

var runtimes = map[string]string{
	VariantEKF2: "px4-ekf2",
	VariantLPE:  "px4-local_position_estimator",
}

const (
	StateIdle State = iota
	StateStopped
	StateStarting
	StateAwaitingValidEstimate
	StateReady
	StateFailed
)

// State is a step of the reset procedure
type State int32

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateAwaitingValidEstimate:
		return "awaiting_valid_estimate"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Runtime returns the control program name of an estimator variant.
func Runtime(variant string) (string, error) {
	rt, ok := runtimes[variant]
	if !ok {
		return "", fmt.Errorf("unknown estimator variant '%s'", variant)
	}
	return rt, nil
}

// WithLogger sets the logger for the procedure
func WithLogger(logger *slog.Logger) func(*Procedure) {
	return func(p *Procedure) {
		p.logger = logger.With(slog.String("estimator", p.variant))
	}
}

// WithRunner replaces the process runner
func WithRunner(r Runner) func(*Procedure) {
	return func(p *Procedure) {
		p.runner = r
	}
}

// WithBinDir sets the directory holding the estimator control programs.
// When unset the program is looked up in PATH.
func WithBinDir(dir string) func(*Procedure) {
	return func(p *Procedure) {
		p.binDir = dir
	}
}

// WithPollInterval sets how often the estimator status is checked
func WithPollInterval(d time.Duration) func(*Procedure) {
	return func(p *Procedure) {
		p.pollInterval = d
	}
}

// WithMaxWait bounds the wait for a valid estimate
func WithMaxWait(d time.Duration) func(*Procedure) {
	return func(p *Procedure) {
		p.maxWait = d
	}
}

// WithTransitionHook registers fn to observe every state transition
func WithTransitionHook(fn func(from, to State)) func(*Procedure) {
	return func(p *Procedure) {
		p.onTransition = fn
	}
}

// Procedure stops and restarts the estimator process, then waits on the
// telemetry source for a sample that is strictly newer than the last one
// seen before the restart and has both horizontal position flags valid.
type Procedure struct {
	variant string
	binDir  string
	binPath string
	src     telemetry.Source
	runner  Runner

	pollInterval time.Duration
	maxWait      time.Duration

	state        atomic.Int32
	onTransition func(from, to State)

	mu     sync.Mutex // one reset at a time
	logger *slog.Logger
}

// New creates a Procedure for the given estimator variant reading status from src
func New(variant string, src telemetry.Source, options ...func(*Procedure)) (*Procedure, error) {
	rt, err := Runtime(variant)
	if err != nil {
		return nil, err
	}

	p := Procedure{
		variant:      variant,
		src:          src,
		pollInterval: DefaultPollInterval,
		maxWait:      DefaultMaxWait,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&p)
	}

	if p.runner == nil {
		p.runner = NewExecRunner(p.logger)
	}

	if p.binPath, err = FindRuntime(p.binDir, rt); err != nil {
		return nil, fmt.Errorf("resolving estimator runtime: %w", err)
	}

	return &p, nil
}

// State returns the current step of the procedure
func (p *Procedure) State() State {
	return State(p.state.Load())
}

// Reset restarts the estimator and blocks until it is Ready. Failing to stop
// or start the estimator process is fatal and not retried. Waiting for the
// estimate is bounded by the configured maximum wait and by ctx.
func (p *Procedure) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Zero when the estimator has never reported; any sample is then fresh.
	lastStamp := p.src.Snapshot().Estimator.Stamp

	p.logger.Info("stopping estimator", slog.String("path", p.binPath))
	if err := p.runner.Run(ctx, p.binPath, "stop"); err != nil {
		p.transition(StateFailed)
		return command.NewError("estimator stop", command.OutcomeFatal, err)
	}
	p.transition(StateStopped)

	p.transition(StateStarting)
	if err := p.runner.Run(ctx, p.binPath, "start"); err != nil {
		p.transition(StateFailed)
		return command.NewError("estimator start", command.OutcomeFatal, err)
	}

	p.transition(StateAwaitingValidEstimate)
	start := time.Now()
	polls, err := command.Await(ctx, p.src, command.NewFreshEstimate(lastStamp), p.pollInterval, p.maxWait)
	if err != nil {
		p.transition(StateFailed)
		p.logger.Error("estimator did not converge",
			slog.Duration("maxWait", p.maxWait),
			slog.Int("polls", polls),
			slog.String("error", err.Error()))
		return fmt.Errorf("awaiting valid estimate: %w", err)
	}

	p.transition(StateReady)
	p.logger.Info("estimator ready", slog.Duration("elapsed", time.Since(start)), slog.Int("polls", polls))
	return nil
}

func (p *Procedure) transition(to State) {
	from := State(p.state.Swap(int32(to)))
	p.logger.Debug("estimator state transition", slog.String("from", from.String()), slog.String("to", to.String()))

	if p.onTransition != nil {
		p.onTransition(from, to)
	}
}
