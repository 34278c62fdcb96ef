package storage

import (
	"database/sql"
	"time"

	"github.com/roman-kulish/uavctl/internal/command"
)

// Session is a recorded flight session
type Session struct {
	ID          int64
	UUID        string
	StartTime   time.Time
	BackendType string
	VehicleName string
	Config      *string
}

// CommandRecord is the outcome of one command issued during a session
type CommandRecord struct {
	ID          int64
	SessionID   int64
	Timestamp   time.Time
	Name        string
	Outcome     command.Outcome
	Elapsed     time.Duration
	Error       string
	TelemetryID *int64 // Telemetry snapshot taken when the command completed
}

// TrackPoint is a telemetry row read back from a session
type TrackPoint struct {
	ID             int64
	Timestamp      time.Time
	Connected      *bool
	FlightMode     *string
	Armed          *bool
	X, Y, Z        *float64
	Yaw            *float64
	Latitude       *float64
	Longitude      *float64
	Altitude       *float64
	EstimatorValid *bool
}

type telemetryData struct {
	SessionID      int64
	Timestamp      time.Time
	Connected      sql.NullBool
	FlightMode     sql.NullString
	Armed          sql.NullBool
	PositionX      sql.NullFloat64
	PositionY      sql.NullFloat64
	PositionZ      sql.NullFloat64
	Yaw            sql.NullFloat64
	Latitude       sql.NullFloat64
	Longitude      sql.NullFloat64
	Altitude       sql.NullFloat64
	EstimatorValid sql.NullBool
}
