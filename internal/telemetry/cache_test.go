package telemetry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_EmptyIsNotReady(t *testing.T) {
	a := assert.New(t)

	c := NewCache()

	a.False(c.IsReady(FieldStatus))
	a.False(c.IsReady(AllFields))
	a.True(c.IsReady(0))
	a.Equal(AllFields, c.Missing(AllFields))

	_, ok := c.Status()
	a.False(ok)
	_, ok = c.Pose()
	a.False(ok)
	_, ok = c.GPS()
	a.False(ok)
	_, ok = c.Estimator()
	a.False(ok)
}

func TestCache_ReadyAfterEveryField(t *testing.T) {
	a := assert.New(t)

	c := NewCache()
	c.UpdateStatus(VehicleStatus{Connection: ConnectionConnected, FlightMode: "MANUAL"})
	c.UpdatePose(Pose{Position: Vector3{X: 1}})
	c.UpdateGPS(GPS{Latitude: 47.39})

	a.False(c.IsReady(AllFields))
	a.Equal(FieldEstimator, c.Missing(AllFields))
	a.True(c.IsReady(FieldStatus | FieldGPS))

	c.UpdateEstimator(EstimatorStatus{Stamp: time.Now()})
	a.True(c.IsReady(AllFields))
	a.Equal(Field(0), c.Missing(AllFields))

	status, ok := c.Status()
	a.True(ok)
	a.Equal("MANUAL", status.FlightMode)

	snap := c.Snapshot()
	a.Equal(AllFields, snap.Populated)
	a.Equal(47.39, snap.GPS.Latitude)
}

func TestCache_Reset(t *testing.T) {
	c := NewCache()
	c.UpdateStatus(VehicleStatus{Armed: true})
	c.Reset()

	status, ok := c.Status()
	assert.False(t, ok)
	assert.False(t, status.Armed)
}

func TestCache_OnUpdate(t *testing.T) {
	var got []Field

	c := NewCache()
	c.OnUpdate(func(f Field) {
		// hooks run outside the lock, reading back must not deadlock
		_ = c.Snapshot()
		got = append(got, f)
	})

	c.UpdatePose(Pose{})
	c.UpdateGPS(GPS{})

	assert.Equal(t, []Field{FieldPose, FieldGPS}, got)
}

// Writers store poses whose every component equals the same counter value.
// A reader that ever sees differing components observed a torn record.
func TestCache_NoTornReads(t *testing.T) {
	r := require.New(t)

	c := NewCache()
	c.UpdatePose(Pose{})

	var stop atomic.Bool
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := offset; !stop.Load(); i += 4 {
				v := float64(i)
				c.UpdatePose(Pose{
					Position:    Vector3{X: v, Y: v, Z: v},
					Orientation: Quaternion{X: v, Y: v, Z: v, W: v},
				})
			}
		}(w)
	}

	var torn atomic.Int64
	for rd := 0; rd < 4; rd++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				p, _ := c.Pose()
				v := p.Position.X
				if p.Position.Y != v || p.Position.Z != v ||
					p.Orientation.X != v || p.Orientation.Y != v || p.Orientation.Z != v || p.Orientation.W != v {
					torn.Add(1)
				}

				s := c.Snapshot()
				if s.Pose.Position.X != s.Pose.Orientation.W {
					torn.Add(1)
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	stop.Store(true)
	wg.Wait()

	r.Zero(torn.Load())
}

func TestField_String(t *testing.T) {
	testCases := []struct {
		field Field
		want  string
	}{
		{0, "none"},
		{FieldStatus, "status"},
		{FieldPose | FieldEstimator, "pose|estimator"},
		{AllFields, "status|pose|gps|estimator"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.field.String())
		})
	}
}
