// Package vehicle defines the capability set shared by every vehicle backend.
// The rest of the system talks to a Backend and never to a concrete
// simulator or middleware client.
package vehicle

import (
	"context"
	"time"

	"github.com/roman-kulish/uavctl/internal/telemetry"
)

const (
	ImageScene ImageKind = "scene"
	ImageDepth ImageKind = "depth"
)

// ImageKind selects what a camera frame contains
type ImageKind string

// Velocity is a body velocity command, m/s and rad/s
type Velocity struct {
	VX      float64 `json:"vx"`
	VY      float64 `json:"vy"`
	VZ      float64 `json:"vz"`
	YawRate float64 `json:"yawRate"`
}

// Frame is a single camera image.
//
// Scene frames carry 8-bit RGB pixels, row-major, 3 bytes per pixel.
// Depth frames carry one float32 per pixel in Depth and leave Pixels empty.
type Frame struct {
	Camera    int       `json:"camera"`
	Kind      ImageKind `json:"kind"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Pixels    []byte    `json:"pixels,omitempty"`
	Depth     []float32 `json:"depth,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Backend is a vehicle reachable either through a simulator client or
// through a flight-control middleware. Implementations are not re-entrant:
// callers issue at most one command at a time.
type Backend interface {
	// Name identifies the backend variant in logs and records.
	Name() string

	// Connect performs the connection handshake. Commands issued before
	// Connect succeeds fail with command.ErrNotReady.
	Connect(ctx context.Context) error
	Disconnect() error

	// EnableControl grants or revokes external control authority.
	EnableControl(ctx context.Context, enable bool) error

	ArmDisarm(ctx context.Context, arm bool) error
	Takeoff(ctx context.Context, altitude float64) error
	Land(ctx context.Context, altitude float64) error

	// SetVelocity streams a velocity setpoint; it is not confirmed.
	SetVelocity(ctx context.Context, v Velocity) error

	PauseWorld(ctx context.Context) error
	UnpauseWorld(ctx context.Context) error
	ResetWorld(ctx context.Context) error

	IsCollided(ctx context.Context) (bool, error)
	CameraFrame(ctx context.Context, camera int, kind ImageKind) (*Frame, error)

	// State returns the latest known vehicle state.
	State(ctx context.Context) (telemetry.State, error)
}

// ModeSetter is implemented by backends with named flight modes.
type ModeSetter interface {
	SetMode(ctx context.Context, mode string) error
}

// EstimatorResetter is implemented by backends running an external state estimator.
type EstimatorResetter interface {
	ResetEstimator(ctx context.Context) error
}

// ControlChecker is implemented by backends that can lose control authority
// outside of the command path and need it re-asserted.
type ControlChecker interface {
	EnsureControl(ctx context.Context) error
}
