package command

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/uavctl/internal/telemetry"
)

// countingSource counts how many times the condition was evaluated against it.
type countingSource struct {
	*telemetry.Cache
	reads atomic.Int64
}

func (s *countingSource) Snapshot() telemetry.State {
	s.reads.Add(1)
	return s.Cache.Snapshot()
}

func newSource(status telemetry.VehicleStatus) *countingSource {
	c := telemetry.NewCache()
	c.UpdateStatus(status)
	return &countingSource{Cache: c}
}

func TestRun_ShortCircuitWhenConditionHolds(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given
	src := newSource(telemetry.VehicleStatus{Armed: true})
	var invoked bool

	// when
	res, err := Run(context.Background(), src, Request{
		Name:   "arming",
		Invoke: func(context.Context) error { invoked = true; return nil },
		Ready:  ArmedIs{Armed: true},
	})

	// then
	r.NoError(err)
	a.False(invoked)
	a.True(res.ShortCircuit)
	a.Equal(OutcomeSuccess, res.Outcome)
	a.Zero(res.Polls)
}

func TestRun_RejectedWithoutPolling(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	src := newSource(telemetry.VehicleStatus{Armed: false})
	cause := errors.New("negative acknowledgement")

	res, err := Run(context.Background(), src, Request{
		Name:   "arming",
		Invoke: func(context.Context) error { return cause },
		Ready:  ArmedIs{Armed: true},
	})

	r.Error(err)
	a.Equal(OutcomeRejected, res.Outcome)
	a.Zero(res.Polls)
	a.True(errors.Is(err, ErrRejected))
	a.True(errors.Is(err, cause))
	a.False(IsTemporary(err))
	// one read for the initial short-circuit check only
	a.EqualValues(1, src.reads.Load())
}

func TestRun_TemporaryRejection(t *testing.T) {
	src := newSource(telemetry.VehicleStatus{})

	_, err := Run(context.Background(), src, Request{
		Name:   "set_mode",
		Invoke: func(context.Context) error { return Temporary(errors.New("broker unreachable")) },
		Ready:  ModeIs{Mode: "OFFBOARD"},
	})

	var cmdErr *Error
	require.ErrorAs(t, err, &cmdErr)
	assert.True(t, cmdErr.Temporary)
	assert.Equal(t, OutcomeRejected, OutcomeOf(err))
}

func TestRun_ConfirmedByLateNotification(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given
	src := newSource(telemetry.VehicleStatus{Armed: false})

	// when
	res, err := Run(context.Background(), src, Request{
		Name: "arming",
		Invoke: func(context.Context) error {
			time.AfterFunc(30*time.Millisecond, func() {
				src.UpdateStatus(telemetry.VehicleStatus{Armed: true})
			})
			return nil
		},
		Ready:        ArmedIs{Armed: true},
		PollInterval: 50 * time.Millisecond,
		Timeout:      5 * time.Second,
	})

	// then
	r.NoError(err)
	a.Equal(OutcomeSuccess, res.Outcome)
	a.False(res.ShortCircuit)
	a.GreaterOrEqual(res.Polls, 1)
	a.LessOrEqual(res.Polls, 2)
	a.Less(res.Elapsed, time.Second)
}

func TestRun_TimeoutWhenNeverConfirmed(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	src := newSource(telemetry.VehicleStatus{FlightMode: "MANUAL"})

	res, err := Run(context.Background(), src, Request{
		Name:         "set_mode",
		Invoke:       func(context.Context) error { return nil },
		Ready:        ModeIs{Mode: "AUTO.TAKEOFF"},
		PollInterval: 50 * time.Millisecond,
		Timeout:      time.Second,
	})

	r.Error(err)
	a.True(errors.Is(err, ErrTimeout))
	a.Equal(OutcomeTimeout, res.Outcome)
	a.GreaterOrEqual(res.Elapsed, time.Second)
	a.Less(res.Elapsed, 1100*time.Millisecond)
}

func TestRun_TimeoutWithUnpopulatedTelemetry(t *testing.T) {
	a := assert.New(t)

	src := &countingSource{Cache: telemetry.NewCache()}

	res, err := Run(context.Background(), src, Request{
		Name:         "arming",
		Invoke:       func(context.Context) error { return nil },
		Ready:        ArmedIs{Armed: false}, // zero value would match if not gated
		PollInterval: 10 * time.Millisecond,
		Timeout:      100 * time.Millisecond,
	})

	a.True(errors.Is(err, ErrTimeout))
	a.Equal(OutcomeTimeout, res.Outcome)
	a.Greater(res.Polls, 1)
}

func TestRun_CancelledPromptly(t *testing.T) {
	a := assert.New(t)

	src := newSource(telemetry.VehicleStatus{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	res, err := Run(ctx, src, Request{
		Name:         "arming",
		Invoke:       func(context.Context) error { return nil },
		Ready:        ArmedIs{Armed: true},
		PollInterval: 20 * time.Millisecond,
		Timeout:      10 * time.Second,
	})

	a.True(errors.Is(err, ErrCancelled))
	a.True(errors.Is(err, context.Canceled))
	a.Equal(OutcomeCancelled, res.Outcome)
	a.Less(time.Since(start), time.Second)
}

func TestRun_CancelledBeforeInvoke(t *testing.T) {
	src := newSource(telemetry.VehicleStatus{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var invoked bool
	res, err := Run(ctx, src, Request{
		Name:   "arming",
		Invoke: func(context.Context) error { invoked = true; return nil },
		Ready:  ArmedIs{Armed: true},
	})

	assert.False(t, invoked)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestRun_NilConditionConfirmsOnAck(t *testing.T) {
	src := newSource(telemetry.VehicleStatus{})

	res, err := Run(context.Background(), src, Request{
		Name:   "pause",
		Invoke: func(context.Context) error { return nil },
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Zero(t, res.Polls)
}

func TestRun_NilConditionIsQuietAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	src := newSource(telemetry.VehicleStatus{})

	for i := 0; i < 10; i++ {
		_, err := Run(context.Background(), src, Request{
			Name:   "velocity",
			Invoke: func(context.Context) error { return nil },
		}, WithLogger(logger))
		require.NoError(t, err)
	}

	assert.Empty(t, buf.String())
}

func TestAwait(t *testing.T) {
	t.Run("holds immediately", func(t *testing.T) {
		src := newSource(telemetry.VehicleStatus{Connection: telemetry.ConnectionConnected})

		polls, err := Await(context.Background(), src, Connected{}, 10*time.Millisecond, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, polls)
	})

	t.Run("times out", func(t *testing.T) {
		src := newSource(telemetry.VehicleStatus{})

		_, err := Await(context.Background(), src, Connected{}, 10*time.Millisecond, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})
}
