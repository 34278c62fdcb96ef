package telemetry

import (
	"math"
	"strings"
	"time"
)

const (
	ConnectionUnknown ConnectionMode = iota
	ConnectionDisconnected
	ConnectionConnected
)

// ConnectionMode is the link state between the backend and the vehicle
type ConnectionMode int

func (m ConnectionMode) String() string {
	switch m {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	FieldStatus Field = 1 << iota
	FieldPose
	FieldGPS
	FieldEstimator

	// AllFields is the set of fields required before a backend accepts commands.
	AllFields = FieldStatus | FieldPose | FieldGPS | FieldEstimator
)

// Field identifies one coherent sub-record of the vehicle state. Fields are
// bit flags so a set of them can be carried in a single value.
type Field uint8

// Has reports whether every field in other is also set in f.
func (f Field) Has(other Field) bool {
	return f&other == other
}

func (f Field) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for _, n := range []struct {
		field Field
		name  string
	}{
		{FieldStatus, "status"},
		{FieldPose, "pose"},
		{FieldGPS, "gps"},
		{FieldEstimator, "estimator"},
	} {
		if f&n.field != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Vector3 is a position in meters, in the local ENU frame
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is an orientation
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Yaw returns the heading encoded by the quaternion, in radians.
func (q Quaternion) Yaw() float64 {
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// VehicleStatus is the connection, flight mode and arming state of the vehicle.
// The flight stack reports all three in one message, so they are stored together.
type VehicleStatus struct {
	Connection ConnectionMode `json:"connection"`
	FlightMode string         `json:"flightMode"`
	Armed      bool           `json:"armed"`
	Stamp      time.Time      `json:"stamp"`
}

// Pose is the local position and orientation estimate
type Pose struct {
	Position    Vector3    `json:"position"`
	Orientation Quaternion `json:"orientation"`
	Stamp       time.Time  `json:"stamp"`
}

// GPS is the raw satellite fix
type GPS struct {
	Latitude  float64   `json:"latitude"`  // degrees
	Longitude float64   `json:"longitude"` // degrees
	Altitude  float64   `json:"altitude"`  // meters above ellipsoid
	Stamp     time.Time `json:"stamp"`
}

// EstimatorStatus is the health report of the state estimator
type EstimatorStatus struct {
	Stamp                      time.Time `json:"stamp"`
	HorizontalPositionValid    bool      `json:"horizontalPositionValid"`    // absolute horizontal position
	HorizontalPositionRelValid bool      `json:"horizontalPositionRelValid"` // relative horizontal position
}

// State is a coherent copy of everything known about the vehicle. Sub-records
// whose bit is not set in Populated hold zero values and must not be acted on.
type State struct {
	Status    VehicleStatus   `json:"status"`
	Pose      Pose            `json:"pose"`
	GPS       GPS             `json:"gps"`
	Estimator EstimatorStatus `json:"estimator"`
	Populated Field           `json:"populated"`
}

// Has reports whether every field in f has received at least one update.
func (s State) Has(f Field) bool {
	return s.Populated.Has(f)
}
