package service

import (
	"time"

	"github.com/roman-kulish/uavctl/internal/telemetry"
	"github.com/roman-kulish/uavctl/internal/vehicle"
)

// Flight modes used by the backend
const (
	ModeOffboard = "OFFBOARD"
	ModeLoiter   = "AUTO.LOITER"
	ModeTakeoff  = "AUTO.TAKEOFF"
	ModeLand     = "AUTO.LAND"
)

// customMode selects a custom flight mode in a set-mode request
const customMode uint8 = 0

type Header struct {
	Stamp   time.Time `json:"stamp"`
	FrameID string    `json:"frame_id,omitempty"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// StateMsg is the flight controller connection and mode report
type StateMsg struct {
	Header    Header `json:"header"`
	Connected bool   `json:"connected"`
	Armed     bool   `json:"armed"`
	Guided    bool   `json:"guided"`
	Mode      string `json:"mode"`
}

func (m *StateMsg) toStatus() telemetry.VehicleStatus {
	conn := telemetry.ConnectionDisconnected
	if m.Connected {
		conn = telemetry.ConnectionConnected
	}

	return telemetry.VehicleStatus{
		Connection: conn,
		FlightMode: m.Mode,
		Armed:      m.Armed,
		Stamp:      m.Header.Stamp,
	}
}

// PoseStampedMsg is the local position estimate
type PoseStampedMsg struct {
	Header Header `json:"header"`
	Pose   struct {
		Position    Point      `json:"position"`
		Orientation Quaternion `json:"orientation"`
	} `json:"pose"`
}

func (m *PoseStampedMsg) toPose() telemetry.Pose {
	p, o := m.Pose.Position, m.Pose.Orientation
	return telemetry.Pose{
		Position:    telemetry.Vector3{X: p.X, Y: p.Y, Z: p.Z},
		Orientation: telemetry.Quaternion{X: o.X, Y: o.Y, Z: o.Z, W: o.W},
		Stamp:       m.Header.Stamp,
	}
}

// NavSatFixMsg is a raw GPS fix
type NavSatFixMsg struct {
	Header    Header  `json:"header"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

func (m *NavSatFixMsg) toGPS() telemetry.GPS {
	return telemetry.GPS{
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Altitude:  m.Altitude,
		Stamp:     m.Header.Stamp,
	}
}

// EstimatorStatusMsg is the estimator health report
type EstimatorStatusMsg struct {
	Header             Header `json:"header"`
	PredHorPositionRel bool   `json:"pred_hor_position_rel"`
	PredHorPositionAbs bool   `json:"pred_hor_position_abs"`
}

func (m *EstimatorStatusMsg) toEstimator() telemetry.EstimatorStatus {
	return telemetry.EstimatorStatus{
		Stamp:                      m.Header.Stamp,
		HorizontalPositionValid:    m.PredHorPositionAbs,
		HorizontalPositionRelValid: m.PredHorPositionRel,
	}
}

// ContactMsg reports a collision detected by the simulator
type ContactMsg struct {
	Header   Header `json:"header"`
	Collided bool   `json:"collided"`
	Object   string `json:"object,omitempty"`
}

// TwistStampedMsg is a velocity setpoint
type TwistStampedMsg struct {
	Header Header `json:"header"`
	Twist  struct {
		Linear  Point `json:"linear"`
		Angular Point `json:"angular"`
	} `json:"twist"`
}

func newTwist(v vehicle.Velocity) TwistStampedMsg {
	var msg TwistStampedMsg
	msg.Header.Stamp = time.Now().UTC()
	msg.Twist.Linear = Point{X: v.VX, Y: v.VY, Z: v.VZ}
	msg.Twist.Angular = Point{Z: v.YawRate}
	return msg
}

type SetModeRequest struct {
	BaseMode   uint8  `json:"base_mode"`
	CustomMode string `json:"custom_mode"`
}

type SetModeResponse struct {
	ModeSent bool `json:"mode_sent"`
}

type CommandBoolRequest struct {
	Value bool `json:"value"`
}

// CommandResponse is the acknowledgement of a vehicle command
type CommandResponse struct {
	Success bool  `json:"success"`
	Result  uint8 `json:"result"`
}

// CommandTOLRequest is a takeoff or landing request
type CommandTOLRequest struct {
	MinPitch  float64 `json:"min_pitch"`
	Yaw       float64 `json:"yaw"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

type EmptyMsg struct{}

type ImageRequest struct {
	Camera int    `json:"camera"`
	Kind   string `json:"kind"`
}

type ImageResponse struct {
	Header Header    `json:"header"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []byte    `json:"data,omitempty"`
	Depth  []float32 `json:"depth,omitempty"`
}
