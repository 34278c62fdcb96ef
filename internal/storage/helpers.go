package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roman-kulish/uavctl/internal/telemetry"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && cErr != sql.ErrTxDone && *err == nil {
		*err = cErr
	}
}

// toConfigData accepts a string, []byte or any JSON-serializable value
func toConfigData(config any) (sql.NullString, error) {
	switch c := config.(type) {
	case nil:
		return sql.NullString{}, nil

	case string:
		return sql.NullString{String: c, Valid: true}, nil

	case []byte:
		return sql.NullString{String: string(c), Valid: true}, nil

	default:
		p, err := json.Marshal(c)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("marshaling config: %w", err)
		}
		return sql.NullString{String: string(p), Valid: true}, nil
	}
}

// toTelemetryData flattens a snapshot. Columns of sub-records that were never
// populated are stored as NULL.
func toTelemetryData(sessionID int64, s telemetry.State) *telemetryData {
	data := telemetryData{
		SessionID: sessionID,
		Timestamp: latestStamp(s).UTC(),
	}

	if s.Has(telemetry.FieldStatus) {
		data.Connected = sql.NullBool{Bool: s.Status.Connection == telemetry.ConnectionConnected, Valid: true}
		data.FlightMode = sql.NullString{String: s.Status.FlightMode, Valid: true}
		data.Armed = sql.NullBool{Bool: s.Status.Armed, Valid: true}
	}

	if s.Has(telemetry.FieldPose) {
		p := s.Pose.Position
		data.PositionX = sql.NullFloat64{Float64: p.X, Valid: true}
		data.PositionY = sql.NullFloat64{Float64: p.Y, Valid: true}
		data.PositionZ = sql.NullFloat64{Float64: p.Z, Valid: true}
		data.Yaw = sql.NullFloat64{Float64: s.Pose.Orientation.Yaw(), Valid: true}
	}

	if s.Has(telemetry.FieldGPS) {
		data.Latitude = sql.NullFloat64{Float64: s.GPS.Latitude, Valid: true}
		data.Longitude = sql.NullFloat64{Float64: s.GPS.Longitude, Valid: true}
		data.Altitude = sql.NullFloat64{Float64: s.GPS.Altitude, Valid: true}
	}

	if s.Has(telemetry.FieldEstimator) {
		valid := s.Estimator.HorizontalPositionValid && s.Estimator.HorizontalPositionRelValid
		data.EstimatorValid = sql.NullBool{Bool: valid, Valid: true}
	}

	return &data
}

func latestStamp(s telemetry.State) (stamp time.Time) {
	for _, t := range []time.Time{s.Status.Stamp, s.Pose.Stamp, s.GPS.Stamp, s.Estimator.Stamp} {
		if t.After(stamp) {
			stamp = t
		}
	}
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return
}

func fromNull[T any](v sql.Null[T]) *T {
	if !v.Valid {
		return nil
	}
	return &v.V
}
