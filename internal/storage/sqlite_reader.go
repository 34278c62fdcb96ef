package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ReaderOption configures a TrackReader
type ReaderOption func(*TrackReader)

// WithStartTime skips telemetry recorded before t
func WithStartTime(t time.Time) ReaderOption {
	return func(r *TrackReader) {
		r.startTime = &t
	}
}

// WithEndTime skips telemetry recorded after t
func WithEndTime(t time.Time) ReaderOption {
	return func(r *TrackReader) {
		r.endTime = &t
	}
}

// WithTimeRange limits telemetry to the closed interval [startTime, endTime]
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *TrackReader) {
		r.startTime = &startTime
		r.endTime = &endTime
	}
}

// TrackReader iterates over the telemetry recorded in a session, oldest first.
//
//	r, err := store.ReadTrack(ctx, sessionID)
//	...
//	defer r.Close()
//	for r.Next() {
//		p := r.Current()
//	}
//	if err := r.Error(); err != nil {
//		...
//	}
type TrackReader struct {
	sessionID int64
	startTime *time.Time
	endTime   *time.Time

	rows    *sql.Rows
	current *TrackPoint
	err     error
}

// ReadTrack opens a TrackReader over a session's telemetry. The reader must
// be closed after use.
func (s *SqliteStore) ReadTrack(ctx context.Context, sessionID int64, opts ...ReaderOption) (*TrackReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	r := TrackReader{sessionID: sessionID}
	for _, opt := range opts {
		opt(&r)
	}

	query, args := r.query()
	if r.rows, err = db.QueryContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("querying telemetry: %w", err)
	}
	return &r, nil
}

func (r *TrackReader) query() (string, []any) {
	var sb strings.Builder
	sb.WriteString(selectTrackSQL)

	args := []any{r.sessionID}
	if r.startTime != nil {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, r.startTime.UTC())
	}
	if r.endTime != nil {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, r.endTime.UTC())
	}
	sb.WriteString(" ORDER BY timestamp, id")

	return sb.String(), args
}

// Next advances to the next point. It returns false at the end of the track
// or on error.
func (r *TrackReader) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}

	var (
		p              TrackPoint
		connected      sql.Null[bool]
		flightMode     sql.Null[string]
		armed          sql.Null[bool]
		x, y, z, yaw   sql.Null[float64]
		lat, lon, alt  sql.Null[float64]
		estimatorValid sql.Null[bool]
	)

	if r.err = r.rows.Scan(&p.ID, &p.Timestamp, &connected, &flightMode, &armed, &x, &y, &z, &yaw, &lat, &lon, &alt, &estimatorValid); r.err != nil {
		r.err = fmt.Errorf("scanning telemetry: %w", r.err)
		return false
	}

	p.Connected = fromNull(connected)
	p.FlightMode = fromNull(flightMode)
	p.Armed = fromNull(armed)
	p.X, p.Y, p.Z = fromNull(x), fromNull(y), fromNull(z)
	p.Yaw = fromNull(yaw)
	p.Latitude, p.Longitude, p.Altitude = fromNull(lat), fromNull(lon), fromNull(alt)
	p.EstimatorValid = fromNull(estimatorValid)

	r.current = &p
	return true
}

// Current returns the point read by the last call to Next
func (r *TrackReader) Current() *TrackPoint {
	return r.current
}

func (r *TrackReader) Error() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

func (r *TrackReader) Close() error {
	return r.rows.Close()
}
