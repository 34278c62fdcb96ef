package sim

import (
	"context"
	"time"
)

// Client is the simulator's vehicle API. Every call blocks until the
// simulator reports the operation as complete.
type Client interface {
	ConfirmConnection(ctx context.Context) error
	EnableAPIControl(ctx context.Context, enable bool) error
	IsAPIControlEnabled(ctx context.Context) (bool, error)

	// ArmDisarm returns false when the simulator refused the request.
	ArmDisarm(ctx context.Context, arm bool) (bool, error)

	// MoveToZ climbs or descends to z in the NED frame (negative is up).
	MoveToZ(ctx context.Context, z, velocity float64, timeout time.Duration) error
	Land(ctx context.Context, timeout time.Duration) error
	MoveByVelocity(ctx context.Context, cmd VelocityCommand) error

	Pause(ctx context.Context, pause bool) error
	Reset(ctx context.Context) error

	VehicleState(ctx context.Context) (VehicleState, error)
	Images(ctx context.Context, requests []ImageRequest) ([]ImageResponse, error)
	CollisionInfo(ctx context.Context) (CollisionInfo, error)

	Close() error
}

// Refusal is implemented by errors the simulator returned for a call it
// received. Any other client error is treated as a transport failure.
type Refusal interface {
	Refused() bool
}

// Vector is a NED vector
type Vector struct {
	X float64 `json:"x_val"`
	Y float64 `json:"y_val"`
	Z float64 `json:"z_val"`
}

type Quaternion struct {
	W float64 `json:"w_val"`
	X float64 `json:"x_val"`
	Y float64 `json:"y_val"`
	Z float64 `json:"z_val"`
}

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// VehicleState is the multirotor state reported by the simulator
type VehicleState struct {
	Position    Vector     `json:"position"`
	Orientation Quaternion `json:"orientation"`
	GPS         GeoPoint   `json:"gps_location"`
	Armed       bool       `json:"armed"`
	Landed      bool       `json:"landed"`
	APIControl  bool       `json:"api_control"`
	Timestamp   int64      `json:"timestamp"` // Nanoseconds since the epoch
}

// VelocityCommand moves the vehicle at a constant velocity for Duration
type VelocityCommand struct {
	VX       float64       `json:"vx"`
	VY       float64       `json:"vy"`
	VZ       float64       `json:"vz"`
	YawRate  float64       `json:"yaw_rate"` // Degrees per second
	Duration time.Duration `json:"duration"`
}

// ImageType selects a camera image stream
type ImageType int

const (
	ImageTypeScene       ImageType = 0
	ImageTypeDepthPlanar ImageType = 1
)

type ImageRequest struct {
	Camera        string    `json:"camera_name"`
	Type          ImageType `json:"image_type"`
	PixelsAsFloat bool      `json:"pixels_as_float"`
	Compress      bool      `json:"compress"`
}

type ImageResponse struct {
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Data      []byte    `json:"image_data_uint8,omitempty"`
	DataFloat []float32 `json:"image_data_float,omitempty"`
	Timestamp int64     `json:"time_stamp"`
}

type CollisionInfo struct {
	HasCollided bool    `json:"has_collided"`
	ObjectName  string  `json:"object_name,omitempty"`
	Penetration float64 `json:"penetration_depth"`
	Timestamp   int64   `json:"time_stamp"`
}
