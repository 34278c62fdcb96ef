// Package robotenv is the entry point used by training and operator code.
// It hides which vehicle backend is in use and serialises every command.
package robotenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roman-kulish/uavctl/internal/command"
	"github.com/roman-kulish/uavctl/internal/config"
	"github.com/roman-kulish/uavctl/internal/estimator"
	"github.com/roman-kulish/uavctl/internal/metrics"
	"github.com/roman-kulish/uavctl/internal/storage"
	"github.com/roman-kulish/uavctl/internal/telemetry"
	"github.com/roman-kulish/uavctl/internal/vehicle"
	"github.com/roman-kulish/uavctl/internal/vehicle/service"
	"github.com/roman-kulish/uavctl/internal/vehicle/service/mqttbridge"
	"github.com/roman-kulish/uavctl/internal/vehicle/sim"
	"github.com/roman-kulish/uavctl/internal/vehicle/sim/wsrpc"
)

// ErrUnsupported is returned for operations the configured backend does not offer
var ErrUnsupported = errors.New("operation not supported by backend")

// Recorder persists telemetry snapshots and command outcomes
type Recorder interface {
	StoreTelemetry(ctx context.Context, sessionID int64, s telemetry.State) (int64, error)
	StoreCommand(ctx context.Context, rec *storage.CommandRecord) (int64, error)
}

// WithLogger sets the logger for the environment and the backend it builds
func WithLogger(logger *slog.Logger) func(*Env) {
	return func(e *Env) {
		e.logger = logger
	}
}

// WithMetrics records command outcomes and connection state in m
func WithMetrics(m *metrics.Metrics) func(*Env) {
	return func(e *Env) {
		e.metrics = m
	}
}

// WithRecorder persists every command outcome, with the vehicle state at
// completion, into the given session.
func WithRecorder(r Recorder, sessionID int64) func(*Env) {
	return func(e *Env) {
		e.recorder = r
		e.sessionID = sessionID
	}
}

// Env drives one vehicle. At most one command is in flight at any time;
// concurrent callers queue on an internal mutex.
type Env struct {
	backend vehicle.Backend

	mu       sync.Mutex
	collided bool

	metrics   *metrics.Metrics
	recorder  Recorder
	sessionID int64

	logger *slog.Logger
}

// New builds the backend selected by cfg and wraps it. It does not connect.
func New(ctx context.Context, cfg *config.Config, options ...func(*Env)) (*Env, error) {
	e := newEnv(options)

	backend, err := newBackend(ctx, cfg, e.logger)
	if err != nil {
		return nil, err
	}

	e.backend = backend
	e.logger = e.logger.With(slog.String("backend", backend.Name()))
	return e, nil
}

// NewWithBackend wraps an existing backend
func NewWithBackend(backend vehicle.Backend, options ...func(*Env)) *Env {
	e := newEnv(options)
	e.backend = backend
	e.logger = e.logger.With(slog.String("backend", backend.Name()))
	return e
}

func newEnv(options []func(*Env)) *Env {
	e := Env{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&e)
	}
	return &e
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (vehicle.Backend, error) {
	switch cfg.Backend.Type {
	case config.BackendService:
		sc := cfg.Backend.Service
		bridge := mqttbridge.New(mqttbridge.Config{
			Broker:      sc.Broker,
			ClientID:    sc.ClientID,
			Username:    sc.Username,
			Password:    sc.Password,
			TopicPrefix: sc.TopicPrefix,
			CallTimeout: sc.CallTimeout.Std(),
		}, mqttbridge.WithLogger(logger))

		options := []func(*service.Backend){
			service.WithLogger(logger),
			service.WithCommandTiming(cfg.Command.PollInterval.Std(), cfg.Command.Timeout.Std()),
			service.WithReadyTimeout(sc.ReadyTimeout.Std()),
		}
		if ec := cfg.Estimator; ec.Variant != "" {
			options = append(options, service.WithEstimator(ec.Variant,
				estimator.WithBinDir(ec.BinDir),
				estimator.WithPollInterval(ec.PollInterval.Std()),
				estimator.WithMaxWait(ec.MaxWait.Std()),
			))
		}

		backend, err := service.New(bridge, options...)
		if err != nil {
			return nil, fmt.Errorf("creating service backend: %w", err)
		}
		return backend, nil

	case config.BackendSim:
		client, err := wsrpc.Dial(ctx, cfg.Backend.Sim.URL,
			wsrpc.WithLogger(logger),
			wsrpc.WithVehicle(cfg.Backend.VehicleName))
		if err != nil {
			return nil, command.NewError("connect", command.OutcomeFatal, fmt.Errorf("dialling simulator: %w", err))
		}

		return sim.New(client,
			sim.WithLogger(logger),
			sim.WithVelocityDuration(cfg.Backend.Sim.VelocityDuration.Std())), nil

	default:
		return nil, fmt.Errorf("unknown backend type '%s'", cfg.Backend.Type)
	}
}

// Backend returns the wrapped backend
func (e *Env) Backend() vehicle.Backend {
	return e.backend
}

// Connect performs the backend handshake. Failures are fatal.
func (e *Env) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	err := e.backend.Connect(ctx)
	e.record(ctx, "connect", start, err)
	if err != nil {
		return err
	}

	e.setConnected(true)
	e.logger.Info("backend connected", slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (e *Env) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setConnected(false)
	return e.backend.Disconnect()
}

// CheckConnection re-asserts control authority on backends that can lose it
func (e *Env) CheckConnection(ctx context.Context) error {
	checker, ok := e.backend.(vehicle.ControlChecker)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return checker.EnsureControl(ctx)
}

func (e *Env) EnableControl(ctx context.Context, enable bool) error {
	_, err := e.do(ctx, "enable_control", func(ctx context.Context) error {
		return e.backend.EnableControl(ctx, enable)
	})
	return err
}

func (e *Env) ArmDisarm(ctx context.Context, arm bool) (command.Outcome, error) {
	name := "disarm"
	if arm {
		name = "arm"
	}
	return e.do(ctx, name, func(ctx context.Context) error {
		return e.backend.ArmDisarm(ctx, arm)
	})
}

func (e *Env) Takeoff(ctx context.Context, altitude float64) (command.Outcome, error) {
	return e.do(ctx, "takeoff", func(ctx context.Context) error {
		return e.backend.Takeoff(ctx, altitude)
	})
}

func (e *Env) Land(ctx context.Context, altitude float64) (command.Outcome, error) {
	return e.do(ctx, "land", func(ctx context.Context) error {
		return e.backend.Land(ctx, altitude)
	})
}

// SetMode requests a named flight mode on backends that have them
func (e *Env) SetMode(ctx context.Context, mode string) (command.Outcome, error) {
	setter, ok := e.backend.(vehicle.ModeSetter)
	if !ok {
		return command.OutcomeRejected, command.NewError("set_mode", command.OutcomeRejected, ErrUnsupported)
	}
	return e.do(ctx, "set_mode", func(ctx context.Context) error {
		return setter.SetMode(ctx, mode)
	})
}

// SetVelocity streams a velocity setpoint. It is not confirmed and not recorded.
func (e *Env) SetVelocity(ctx context.Context, v vehicle.Velocity) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.backend.SetVelocity(ctx, v)
}

func (e *Env) PauseWorld(ctx context.Context) error {
	_, err := e.do(ctx, "pause_world", e.backend.PauseWorld)
	return err
}

func (e *Env) UnpauseWorld(ctx context.Context) error {
	_, err := e.do(ctx, "unpause_world", e.backend.UnpauseWorld)
	return err
}

// ResetWorld resets the simulation and starts a new collision episode
func (e *Env) ResetWorld(ctx context.Context) error {
	_, err := e.do(ctx, "reset_world", func(ctx context.Context) error {
		if err := e.backend.ResetWorld(ctx); err != nil {
			return err
		}
		e.collided = false
		return nil
	})
	return err
}

// ResetEstimator restarts the state estimator and waits for a fresh valid estimate
func (e *Env) ResetEstimator(ctx context.Context) (command.Outcome, error) {
	resetter, ok := e.backend.(vehicle.EstimatorResetter)
	if !ok {
		return command.OutcomeRejected, command.NewError("reset_estimator", command.OutcomeRejected, ErrUnsupported)
	}

	outcome, err := e.do(ctx, "reset_estimator", resetter.ResetEstimator)
	if e.metrics != nil {
		e.metrics.ObserveEstimatorReset(outcome)
	}
	return outcome, err
}

func (e *Env) State(ctx context.Context) (telemetry.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.backend.State(ctx)
}

func (e *Env) CameraFrame(ctx context.Context, camera int, kind vehicle.ImageKind) (*vehicle.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.backend.CameraFrame(ctx, camera, kind)
}

// IsCollided reports whether the vehicle collided since the last world reset
func (e *Env) IsCollided(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	collided, err := e.backend.IsCollided(ctx)
	if err != nil {
		return false, err
	}

	if collided && !e.collided {
		e.logger.Warn("collision detected")
		if e.metrics != nil {
			e.metrics.IncCollisions()
		}
	}
	e.collided = collided
	return collided, nil
}

func (e *Env) do(ctx context.Context, name string, fn func(ctx context.Context) error) (command.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	err := fn(ctx)
	e.record(ctx, name, start, err)

	return command.OutcomeOf(err), err
}

func (e *Env) record(ctx context.Context, name string, start time.Time, cmdErr error) {
	elapsed := time.Since(start)
	outcome := command.OutcomeOf(cmdErr)

	if e.metrics != nil {
		e.metrics.ObserveCommand(e.backend.Name(), name, outcome, elapsed)
	}
	if e.recorder == nil {
		return
	}

	// a cancelled command still gets recorded
	ctx = context.WithoutCancel(ctx)

	rec := storage.CommandRecord{
		SessionID: e.sessionID,
		Timestamp: start.UTC(),
		Name:      name,
		Outcome:   outcome,
		Elapsed:   elapsed,
	}
	if cmdErr != nil {
		rec.Error = cmdErr.Error()
	}

	if state, err := e.backend.State(ctx); err == nil {
		id, err := e.recorder.StoreTelemetry(ctx, e.sessionID, state)
		if err != nil {
			e.logger.Warn("failed to store telemetry", slog.String("command", name), slog.Any("error", err))
		} else {
			rec.TelemetryID = &id
		}
	}

	if _, err := e.recorder.StoreCommand(ctx, &rec); err != nil {
		e.logger.Warn("failed to store command", slog.String("command", name), slog.Any("error", err))
	}
}

func (e *Env) setConnected(connected bool) {
	if e.metrics != nil {
		e.metrics.SetConnected(e.backend.Name(), connected)
	}
}
