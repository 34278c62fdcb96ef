package telemetry

import (
	"sync"
)

// Cache holds the latest vehicle state reported by a backend's notification
// path. Each update replaces one whole sub-record under the write lock, so a
// reader observes either the previous or the next record, never a mix.
type Cache struct {
	mu    sync.RWMutex
	state State

	hooksMu sync.RWMutex
	hooks   []func(Field)
}

// NewCache creates an empty Cache; nothing is populated until the first update.
func NewCache() *Cache {
	return &Cache{}
}

// OnUpdate registers fn to be called after every update with the updated
// field. Hooks run on the notifying goroutine, outside the cache lock.
func (c *Cache) OnUpdate(fn func(Field)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()

	c.hooks = append(c.hooks, fn)
}

// UpdateStatus stores the connection, flight mode and arming state.
func (c *Cache) UpdateStatus(s VehicleStatus) {
	c.mu.Lock()
	c.state.Status = s
	c.state.Populated |= FieldStatus
	c.mu.Unlock()

	c.notify(FieldStatus)
}

// UpdatePose stores the local pose.
func (c *Cache) UpdatePose(p Pose) {
	c.mu.Lock()
	c.state.Pose = p
	c.state.Populated |= FieldPose
	c.mu.Unlock()

	c.notify(FieldPose)
}

// UpdateGPS stores the raw GPS fix.
func (c *Cache) UpdateGPS(g GPS) {
	c.mu.Lock()
	c.state.GPS = g
	c.state.Populated |= FieldGPS
	c.mu.Unlock()

	c.notify(FieldGPS)
}

// UpdateEstimator stores the estimator status.
func (c *Cache) UpdateEstimator(e EstimatorStatus) {
	c.mu.Lock()
	c.state.Estimator = e
	c.state.Populated |= FieldEstimator
	c.mu.Unlock()

	c.notify(FieldEstimator)
}

func (c *Cache) Status() (VehicleStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state.Status, c.state.Populated.Has(FieldStatus)
}

func (c *Cache) Pose() (Pose, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state.Pose, c.state.Populated.Has(FieldPose)
}

func (c *Cache) GPS() (GPS, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state.GPS, c.state.Populated.Has(FieldGPS)
}

func (c *Cache) Estimator() (EstimatorStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state.Estimator, c.state.Populated.Has(FieldEstimator)
}

// Snapshot returns a copy of the whole state.
func (c *Cache) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// IsReady reports whether every field in required has been updated at least once.
func (c *Cache) IsReady(required Field) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state.Populated.Has(required)
}

// Missing returns the fields of required that were never updated.
func (c *Cache) Missing(required Field) Field {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return required &^ c.state.Populated
}

// Reset forgets every stored value.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.state = State{}
	c.mu.Unlock()
}

func (c *Cache) notify(f Field) {
	c.hooksMu.RLock()
	hooks := c.hooks
	c.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(f)
	}
}
