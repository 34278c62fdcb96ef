package telemetry

// Source provides the latest known vehicle state
type Source interface {
	Snapshot() State
}

var _ Source = (*Cache)(nil)
