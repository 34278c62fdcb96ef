package storage

import (
	"context"

	"github.com/roman-kulish/uavctl/internal/telemetry"
)

// Store records flight sessions: telemetry snapshots and the outcome of every
// command issued to the vehicle. Implementations are safe for concurrent use.
type Store interface {
	// CreateSession starts a new flight session and returns its identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - backendType: Vehicle backend variant (e.g., "service", "sim")
	//   - vehicleName: Name of the vehicle in the simulator or middleware
	//   - config: Optional configuration. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - session: The created session, including its generated UUID
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, backendType, vehicleName string, config any) (session *Session, err error)

	// Session retrieves a session by its ID.
	Session(ctx context.Context, id int64) (session *Session, err error)

	// Sessions returns all sessions ordered by start time.
	Sessions(ctx context.Context) (sessions []*Session, err error)

	// StoreTelemetry saves a telemetry snapshot for a session. Sub-records
	// that were never populated are stored as NULL.
	//
	// Returns:
	//   - telemetryID: Identifier of the stored row, used to link command records
	//   - error: If storage fails or context is cancelled
	StoreTelemetry(ctx context.Context, sessionID int64, s telemetry.State) (telemetryID int64, err error)

	// StoreCommand saves the outcome of a command.
	StoreCommand(ctx context.Context, rec *CommandRecord) (commandID int64, err error)

	// Commands returns the commands recorded for a session in issue order.
	Commands(ctx context.Context, sessionID int64) (records []*CommandRecord, err error)

	// Close releases all database connections. It is safe to call Close
	// multiple times.
	Close() error
}
