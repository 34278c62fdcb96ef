// Package sim implements a vehicle backend that drives a simulator directly
// through its vehicle API. Simulator calls block until the operation is
// complete, so commands are confirmed by the call itself.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/uavctl/internal/command"
	"github.com/roman-kulish/uavctl/internal/telemetry"
	"github.com/roman-kulish/uavctl/internal/vehicle"
)

const (
	Name = "sim"

	// DefaultVelocityDuration is how long a velocity setpoint is applied
	DefaultVelocityDuration = 5 * time.Millisecond

	takeoffVelocity = 1.0 // m/s
	takeoffTimeout  = 2 * time.Second
	landTimeout     = 5 * time.Second

	// Flight modes reported in the vehicle status
	ModeAPI    = "API"
	ModeManual = "MANUAL"
)

var (
	// ErrArmDenied is returned when the simulator refuses to arm or disarm
	ErrArmDenied = errors.New("arming request refused by simulator")
	ErrNoImage   = errors.New("no image returned")
)

var (
	_ vehicle.Backend        = (*Backend)(nil)
	_ vehicle.ControlChecker = (*Backend)(nil)
)

// WithLogger sets the logger for the backend
func WithLogger(logger *slog.Logger) func(*Backend) {
	return func(b *Backend) {
		b.logger = logger.With(slog.String("backend", Name))
	}
}

// WithVelocityDuration sets how long each velocity setpoint is applied
func WithVelocityDuration(d time.Duration) func(*Backend) {
	return func(b *Backend) {
		b.velocityDuration = d
	}
}

// snapshot is the last state fetched from the simulator
type snapshot struct {
	state     VehicleState
	collision CollisionInfo
	stale     bool
}

// Backend is a simulated vehicle
type Backend struct {
	client Client
	cache  *telemetry.Cache
	ready  atomic.Bool

	mu   sync.Mutex // guards snap
	snap snapshot

	velocityDuration time.Duration
	logger           *slog.Logger
}

// New creates a Backend on top of client. The backend owns the client and
// closes it on Disconnect.
func New(client Client, options ...func(*Backend)) *Backend {
	b := Backend{
		client:           client,
		cache:            telemetry.NewCache(),
		snap:             snapshot{stale: true},
		velocityDuration: DefaultVelocityDuration,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&b)
	}

	return &b
}

func (b *Backend) Name() string {
	return Name
}

// Telemetry returns the cache refreshed from the simulator snapshot
func (b *Backend) Telemetry() *telemetry.Cache {
	return b.cache
}

// Connect confirms the simulator is reachable, takes API control, disarms
// and pauses the world. A simulator that cannot be reached is fatal.
func (b *Backend) Connect(ctx context.Context) error {
	if err := b.client.ConfirmConnection(ctx); err != nil {
		b.logger.Error("failed to connect to simulator, please start the simulator to continue", slog.String("error", err.Error()))
		return command.NewError("connect", command.OutcomeFatal, err)
	}

	if err := b.client.EnableAPIControl(ctx, true); err != nil {
		return command.NewError("connect", command.OutcomeFatal, fmt.Errorf("enabling API control: %w", err))
	}
	if _, err := b.client.ArmDisarm(ctx, false); err != nil {
		return command.NewError("connect", command.OutcomeFatal, fmt.Errorf("disarming: %w", err))
	}
	if err := b.client.Pause(ctx, true); err != nil {
		return command.NewError("connect", command.OutcomeFatal, fmt.Errorf("pausing: %w", err))
	}

	b.invalidate()
	b.ready.Store(true)
	b.logger.Info("backend ready")
	return nil
}

func (b *Backend) Disconnect() error {
	b.ready.Store(false)
	b.invalidate()
	b.cache.Reset()
	return b.client.Close()
}

// EnsureControl re-enables API control if the simulator dropped it.
func (b *Backend) EnsureControl(ctx context.Context) error {
	if err := b.checkReady("ensure control"); err != nil {
		return err
	}

	enabled, err := b.client.IsAPIControlEnabled(ctx)
	if err != nil {
		return b.vendorError("ensure control", err)
	}
	if enabled {
		return nil
	}

	b.logger.Info("re-enabling API control")
	return b.EnableControl(ctx, true)
}

func (b *Backend) EnableControl(ctx context.Context, enable bool) error {
	return b.run(ctx, "enable control", func(ctx context.Context) error {
		return b.client.EnableAPIControl(ctx, enable)
	})
}

func (b *Backend) ArmDisarm(ctx context.Context, arm bool) error {
	return b.run(ctx, "arm", func(ctx context.Context) error {
		ok, err := b.client.ArmDisarm(ctx, arm)
		if err != nil {
			return err
		}
		if !ok {
			return ErrArmDenied
		}
		return nil
	})
}

// Takeoff climbs to altitude. The simulator uses NED, so z is inverted.
func (b *Backend) Takeoff(ctx context.Context, altitude float64) error {
	return b.run(ctx, "takeoff", func(ctx context.Context) error {
		return b.client.MoveToZ(ctx, -altitude, takeoffVelocity, takeoffTimeout)
	})
}

func (b *Backend) Land(ctx context.Context, _ float64) error {
	return b.run(ctx, "land", func(ctx context.Context) error {
		return b.client.Land(ctx, landTimeout)
	})
}

func (b *Backend) SetVelocity(ctx context.Context, v vehicle.Velocity) error {
	return b.run(ctx, "velocity", func(ctx context.Context) error {
		return b.client.MoveByVelocity(ctx, VelocityCommand{
			VX:       v.VX,
			VY:       v.VY,
			VZ:       v.VZ,
			YawRate:  v.YawRate * 180 / math.Pi,
			Duration: b.velocityDuration,
		})
	})
}

func (b *Backend) PauseWorld(ctx context.Context) error {
	return b.run(ctx, "pause", func(ctx context.Context) error {
		return b.client.Pause(ctx, true)
	})
}

func (b *Backend) UnpauseWorld(ctx context.Context) error {
	return b.run(ctx, "unpause", func(ctx context.Context) error {
		return b.client.Pause(ctx, false)
	})
}

// ResetWorld resets the simulation, then re-asserts API control and disarms
// since the simulator drops both on reset.
func (b *Backend) ResetWorld(ctx context.Context) error {
	return b.run(ctx, "reset", func(ctx context.Context) error {
		if err := b.client.Reset(ctx); err != nil {
			return err
		}
		if err := b.client.EnableAPIControl(ctx, true); err != nil {
			return err
		}
		_, err := b.client.ArmDisarm(ctx, false)
		return err
	})
}

func (b *Backend) IsCollided(ctx context.Context) (bool, error) {
	if err := b.checkReady("collision"); err != nil {
		return false, err
	}

	snap, err := b.refresh(ctx)
	if err != nil {
		return false, b.vendorError("collision", err)
	}
	return snap.collision.HasCollided, nil
}

func (b *Backend) CameraFrame(ctx context.Context, camera int, kind vehicle.ImageKind) (*vehicle.Frame, error) {
	if err := b.checkReady("camera"); err != nil {
		return nil, err
	}

	req := ImageRequest{Camera: strconv.Itoa(camera), Type: ImageTypeScene}
	if kind == vehicle.ImageDepth {
		req.Type = ImageTypeDepthPlanar
		req.PixelsAsFloat = true
	}

	responses, err := b.client.Images(ctx, []ImageRequest{req})
	if err != nil {
		return nil, b.vendorError("camera", err)
	}
	if len(responses) == 0 {
		return nil, b.vendorError("camera", ErrNoImage)
	}

	resp := responses[0]
	return &vehicle.Frame{
		Camera:    camera,
		Kind:      kind,
		Width:     resp.Width,
		Height:    resp.Height,
		Pixels:    resp.Data,
		Depth:     resp.DataFloat,
		Timestamp: time.Unix(0, resp.Timestamp),
	}, nil
}

// State returns the vehicle state, fetching it from the simulator only when
// the cached snapshot was invalidated.
func (b *Backend) State(ctx context.Context) (telemetry.State, error) {
	if err := b.checkReady("state"); err != nil {
		return telemetry.State{}, err
	}

	if _, err := b.refresh(ctx); err != nil {
		return telemetry.State{}, b.vendorError("state", err)
	}
	return b.cache.Snapshot(), nil
}

func (b *Backend) refresh(ctx context.Context) (snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.snap.stale {
		return b.snap, nil
	}

	state, err := b.client.VehicleState(ctx)
	if err != nil {
		return snapshot{}, err
	}
	collision, err := b.client.CollisionInfo(ctx)
	if err != nil {
		return snapshot{}, err
	}

	b.snap = snapshot{state: state, collision: collision}
	b.publish(state)
	return b.snap, nil
}

// publish converts a simulator state into telemetry. Positions are turned
// from NED into the local ENU frame.
func (b *Backend) publish(s VehicleState) {
	stamp := time.Unix(0, s.Timestamp)

	mode := ModeManual
	if s.APIControl {
		mode = ModeAPI
	}

	b.cache.UpdateStatus(telemetry.VehicleStatus{
		Connection: telemetry.ConnectionConnected,
		FlightMode: mode,
		Armed:      s.Armed,
		Stamp:      stamp,
	})
	b.cache.UpdatePose(telemetry.Pose{
		Position: telemetry.Vector3{X: s.Position.Y, Y: s.Position.X, Z: -s.Position.Z},
		Orientation: telemetry.Quaternion{
			X: s.Orientation.X,
			Y: s.Orientation.Y,
			Z: s.Orientation.Z,
			W: s.Orientation.W,
		},
		Stamp: stamp,
	})
	b.cache.UpdateGPS(telemetry.GPS{
		Latitude:  s.GPS.Latitude,
		Longitude: s.GPS.Longitude,
		Altitude:  s.GPS.Altitude,
		Stamp:     stamp,
	})
}

func (b *Backend) invalidate() {
	b.mu.Lock()
	b.snap.stale = true
	b.mu.Unlock()
}

func (b *Backend) checkReady(op string) error {
	if !b.ready.Load() {
		return command.NewError(op, command.OutcomeNotReady, nil)
	}
	return nil
}

// run issues a blocking simulator call. Every command may change the world,
// so the snapshot is invalidated whatever the outcome.
func (b *Backend) run(ctx context.Context, name string, invoke func(ctx context.Context) error) error {
	if err := b.checkReady(name); err != nil {
		return err
	}
	defer b.invalidate()

	classified := func(ctx context.Context) error {
		return transient(invoke(ctx))
	}

	_, err := command.Run(ctx, b.cache, command.Request{Name: name, Invoke: classified}, command.WithLogger(b.logger))
	return err
}

func (b *Backend) vendorError(op string, err error) error {
	b.logger.Error("simulator call failed", slog.String("op", op), slog.String("error", err.Error()))
	return command.NewError(op, command.OutcomeRejected, transient(err))
}

// transient marks a client error temporary unless the simulator answered
// the call, either with a refusal or with an error of its own.
func transient(err error) error {
	if err == nil || command.IsTemporary(err) {
		return err
	}

	var refusal Refusal
	switch {
	case errors.Is(err, ErrArmDenied), errors.Is(err, ErrNoImage):
		return err
	case errors.As(err, &refusal) && refusal.Refused():
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return command.Temporary(err)
}
