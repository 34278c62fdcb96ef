package storage

import (
	_ "embed"
)

const (
	insertSessionSQL = `
INSERT INTO sessions (
                      uuid,
                      start_time,
                      backend_type,
                      vehicle_name,
                      config)
VALUES (?, ?, ?, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    uuid,
    start_time,
    backend_type,
    vehicle_name,
    config
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    uuid,
    start_time,
    backend_type,
    vehicle_name,
    config
FROM sessions
ORDER BY start_time`

	insertTelemetrySQL = `
INSERT INTO telemetry (session_id,
                       timestamp,
                       connected,
                       flight_mode,
                       armed,
                       position_x,
                       position_y,
                       position_z,
                       yaw,
                       latitude,
                       longitude,
                       altitude,
                       estimator_valid)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertCommandSQL = `
INSERT INTO commands (session_id,
                      timestamp,
                      name,
                      outcome,
                      elapsed_ms,
                      error,
                      telemetry_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectCommandsSQL = `
SELECT
    id,
    session_id,
    timestamp,
    name,
    outcome,
    elapsed_ms,
    error,
    telemetry_id
FROM commands
WHERE
    session_id = ?
ORDER BY id`

	selectTrackSQL = `
SELECT
    id,
    timestamp,
    connected,
    flight_mode,
    armed,
    position_x,
    position_y,
    position_z,
    yaw,
    latitude,
    longitude,
    altitude,
    estimator_valid
FROM telemetry
WHERE
    session_id = ?`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_telemetry_session_time ON telemetry (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_commands_session ON commands (session_id);`
)

//go:embed schema.sql
var initSchemaSQL string
