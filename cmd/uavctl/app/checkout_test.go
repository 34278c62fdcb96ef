package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/uavctl/internal/command"
	"github.com/roman-kulish/uavctl/internal/config"
	"github.com/roman-kulish/uavctl/internal/robotenv"
	"github.com/roman-kulish/uavctl/internal/storage"
	"github.com/roman-kulish/uavctl/internal/telemetry"
	"github.com/roman-kulish/uavctl/internal/vehicle"
)

type scriptedBackend struct {
	mu        sync.Mutex
	calls     []string
	setpoints int
	collided  bool
	failOn    map[string]error
}

func (b *scriptedBackend) do(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, name)
	return b.failOn[name]
}

func (b *scriptedBackend) Name() string                              { return "scripted" }
func (b *scriptedBackend) Connect(context.Context) error             { return b.do("connect") }
func (b *scriptedBackend) Disconnect() error                         { return b.do("disconnect") }
func (b *scriptedBackend) EnableControl(context.Context, bool) error { return b.do("enable_control") }
func (b *scriptedBackend) Takeoff(context.Context, float64) error    { return b.do("takeoff") }
func (b *scriptedBackend) Land(context.Context, float64) error       { return b.do("land") }
func (b *scriptedBackend) PauseWorld(context.Context) error          { return b.do("pause") }
func (b *scriptedBackend) UnpauseWorld(context.Context) error        { return b.do("unpause") }
func (b *scriptedBackend) ResetWorld(context.Context) error          { return b.do("reset") }

func (b *scriptedBackend) ArmDisarm(_ context.Context, arm bool) error {
	if arm {
		return b.do("arm")
	}
	return b.do("disarm")
}

func (b *scriptedBackend) SetVelocity(context.Context, vehicle.Velocity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setpoints++
	return nil
}

func (b *scriptedBackend) IsCollided(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collided, nil
}

func (b *scriptedBackend) CameraFrame(_ context.Context, camera int, kind vehicle.ImageKind) (*vehicle.Frame, error) {
	return &vehicle.Frame{
		Camera:    camera,
		Kind:      kind,
		Width:     64,
		Height:    48,
		Pixels:    make([]byte, 64*48*3),
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}, b.do("camera")
}

func (b *scriptedBackend) State(context.Context) (telemetry.State, error) {
	return telemetry.State{
		Status:    telemetry.VehicleStatus{Connection: telemetry.ConnectionConnected, FlightMode: "AUTO.LOITER", Armed: true},
		Populated: telemetry.FieldStatus,
	}, nil
}

func (b *scriptedBackend) ResetEstimator(context.Context) error { return b.do("reset_estimator") }

func (b *scriptedBackend) commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func checkoutConfig(outputDir string) *config.CheckoutConfig {
	return &config.CheckoutConfig{
		Altitude:  2,
		Hover:     config.NewDuration(250 * time.Millisecond),
		OutputDir: outputDir,
	}
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestCheckout_Fly(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given
	backend := &scriptedBackend{}
	dir := t.TempDir()
	c := newCheckout(robotenv.NewWithBackend(backend), checkoutConfig(dir), true, 3, discard)

	// when
	err := c.Fly(context.Background())

	// then
	r.NoError(err)
	a.Equal([]string{
		"connect", "unpause", "reset_estimator", "arm", "takeoff",
		"camera", "land", "disarm", "pause", "disconnect",
	}, backend.commands())
	a.GreaterOrEqual(backend.setpoints, 2)

	_, err = os.Stat(filepath.Join(dir, "checkout_3_20240501_120000.png"))
	a.NoError(err)
}

func TestCheckout_CollisionLands(t *testing.T) {
	a := assert.New(t)

	backend := &scriptedBackend{collided: true}
	c := newCheckout(robotenv.NewWithBackend(backend), checkoutConfig(""), false, 1, discard)

	err := c.Fly(context.Background())

	a.ErrorIs(err, ErrCollision)
	a.Equal([]string{"connect", "unpause", "arm", "takeoff", "land", "disarm", "disconnect"}, backend.commands())
}

func TestCheckout_TakeoffTimeout(t *testing.T) {
	a := assert.New(t)

	backend := &scriptedBackend{failOn: map[string]error{
		"takeoff": command.NewError("takeoff", command.OutcomeTimeout, nil),
	}}
	c := newCheckout(robotenv.NewWithBackend(backend), checkoutConfig(""), false, 1, discard)

	err := c.Fly(context.Background())

	a.ErrorIs(err, command.ErrTimeout)
	a.Equal([]string{"connect", "unpause", "arm", "takeoff", "land", "disarm", "disconnect"}, backend.commands())
}

func TestCheckout_ConnectFailure(t *testing.T) {
	backend := &scriptedBackend{failOn: map[string]error{
		"connect": command.NewError("connect", command.OutcomeFatal, nil),
	}}
	c := newCheckout(robotenv.NewWithBackend(backend), checkoutConfig(""), false, 1, discard)

	err := c.Fly(context.Background())

	assert.ErrorIs(t, err, command.ErrFatal)
	assert.Equal(t, []string{"connect"}, backend.commands())
}

func TestCheckout_Cancelled(t *testing.T) {
	backend := &scriptedBackend{}
	cfg := checkoutConfig("")
	cfg.Hover = config.NewDuration(time.Minute)
	c := newCheckout(robotenv.NewWithBackend(backend), cfg, false, 1, discard)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := c.Fly(ctx)

	assert.ErrorIs(t, err, command.ErrCancelled)
	assert.Contains(t, backend.commands(), "land")
	assert.Contains(t, backend.commands(), "disarm")
}

func TestCheckout_NoDisarmWhenEmergencyLandingFails(t *testing.T) {
	a := assert.New(t)

	backend := &scriptedBackend{collided: true, failOn: map[string]error{
		"land": command.NewError("land", command.OutcomeTimeout, nil),
	}}
	c := newCheckout(robotenv.NewWithBackend(backend), checkoutConfig(""), false, 1, discard)

	err := c.Fly(context.Background())

	a.ErrorIs(err, ErrCollision)
	a.Equal([]string{"connect", "unpause", "arm", "takeoff", "land", "disconnect"}, backend.commands())
}

func TestCreateStorage(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	_, err := createStorage(&config.StorageConfig{DataDirectory: filepath.Join(t.TempDir(), "missing")})
	a.ErrorIs(err, os.ErrNotExist)

	dir := t.TempDir()
	store, err := createStorage(&config.StorageConfig{DataDirectory: dir})
	r.NoError(err)
	defer store.Close()

	session, err := store.CreateSession(context.Background(), "sim", "drone_1", nil)
	r.NoError(err)
	a.NotEmpty(session.UUID)

	matches, err := filepath.Glob(filepath.Join(dir, "uavctl_session_*.sqlite"))
	r.NoError(err)
	a.Len(matches, 1)

	var _ storage.Store = store
}
