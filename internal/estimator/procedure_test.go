package estimator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/uavctl/internal/command"
	"github.com/roman-kulish/uavctl/internal/telemetry"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
	onStart func()
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	r.mu.Lock()
	r.calls = append(r.calls, name+" "+args[0])
	r.mu.Unlock()

	if args[0] == r.failOn {
		return errors.New("exit status 1")
	}
	if args[0] == "start" && r.onStart != nil {
		r.onStart()
	}
	return nil
}

type transitions struct {
	mu  sync.Mutex
	seq []State
}

func (t *transitions) record(_, to State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq = append(t.seq, to)
}

func (t *transitions) get() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.seq...)
}

func TestRuntime(t *testing.T) {
	rt, err := Runtime(VariantEKF2)
	require.NoError(t, err)
	assert.Equal(t, "px4-ekf2", rt)

	rt, err = Runtime(VariantLPE)
	require.NoError(t, err)
	assert.Equal(t, "px4-local_position_estimator", rt)

	_, err = Runtime("ukf")
	assert.Error(t, err)
}

func TestProcedure_ReadyOnlyAfterFreshValidSample(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given
	cache := telemetry.NewCache()
	preReset := time.Now()
	cache.UpdateEstimator(telemetry.EstimatorStatus{Stamp: preReset, HorizontalPositionValid: true, HorizontalPositionRelValid: true})

	var seenBeforeValid []State
	tr := &transitions{}

	runner := &fakeRunner{
		onStart: func() {
			go func() {
				// old stamp, both flags valid: must not advance
				time.Sleep(20 * time.Millisecond)
				cache.UpdateEstimator(telemetry.EstimatorStatus{Stamp: preReset, HorizontalPositionValid: true, HorizontalPositionRelValid: true})

				// new stamp, one flag false: must not advance
				time.Sleep(20 * time.Millisecond)
				cache.UpdateEstimator(telemetry.EstimatorStatus{Stamp: preReset.Add(time.Second), HorizontalPositionValid: true})

				time.Sleep(20 * time.Millisecond)
				seenBeforeValid = tr.get()

				cache.UpdateEstimator(telemetry.EstimatorStatus{Stamp: preReset.Add(2 * time.Second), HorizontalPositionValid: true, HorizontalPositionRelValid: true})
			}()
		},
	}

	proc, err := New(VariantEKF2, cache,
		WithRunner(runner),
		WithBinDir("/opt/px4/bin"),
		WithPollInterval(5*time.Millisecond),
		WithMaxWait(2*time.Second),
		WithTransitionHook(tr.record))
	r.NoError(err)
	a.Equal(StateIdle, proc.State())

	// when
	err = proc.Reset(context.Background())

	// then
	r.NoError(err)
	a.Equal(StateReady, proc.State())
	a.Equal([]State{StateStopped, StateStarting, StateAwaitingValidEstimate, StateReady}, tr.get())
	a.Equal([]State{StateStopped, StateStarting, StateAwaitingValidEstimate}, seenBeforeValid)
	a.Equal([]string{"/opt/px4/bin/px4-ekf2 stop", "/opt/px4/bin/px4-ekf2 start"}, runner.calls)
}

func TestProcedure_TimesOutOnStaleOrInvalidSamples(t *testing.T) {
	a := assert.New(t)

	cache := telemetry.NewCache()
	stamp := time.Now()
	cache.UpdateEstimator(telemetry.EstimatorStatus{Stamp: stamp, HorizontalPositionValid: true, HorizontalPositionRelValid: true})

	runner := &fakeRunner{
		onStart: func() {
			cache.UpdateEstimator(telemetry.EstimatorStatus{Stamp: stamp.Add(time.Second), HorizontalPositionRelValid: true})
		},
	}

	proc, err := New(VariantLPE, cache,
		WithRunner(runner),
		WithBinDir("/opt/px4/bin"),
		WithPollInterval(5*time.Millisecond),
		WithMaxWait(100*time.Millisecond))
	require.NoError(t, err)

	err = proc.Reset(context.Background())
	a.ErrorIs(err, command.ErrTimeout)
	a.Equal(StateFailed, proc.State())
}

func TestProcedure_UnpopulatedStatusAcceptsFirstValidSample(t *testing.T) {
	cache := telemetry.NewCache()
	runner := &fakeRunner{
		onStart: func() {
			cache.UpdateEstimator(telemetry.EstimatorStatus{Stamp: time.Now(), HorizontalPositionValid: true, HorizontalPositionRelValid: true})
		},
	}

	proc, err := New(VariantEKF2, cache, WithRunner(runner), WithBinDir("/px4"), WithMaxWait(time.Second))
	require.NoError(t, err)

	require.NoError(t, proc.Reset(context.Background()))
	assert.Equal(t, StateReady, proc.State())
}

func TestProcedure_StopFailureIsFatal(t *testing.T) {
	a := assert.New(t)

	tr := &transitions{}
	runner := &fakeRunner{failOn: "stop"}
	proc, err := New(VariantEKF2, telemetry.NewCache(), WithRunner(runner), WithBinDir("/px4"), WithTransitionHook(tr.record))
	require.NoError(t, err)

	err = proc.Reset(context.Background())
	a.ErrorIs(err, command.ErrFatal)
	a.Equal(command.OutcomeFatal, command.OutcomeOf(err))
	a.Equal([]State{StateFailed}, tr.get())
	a.Equal([]string{"/px4/px4-ekf2 stop"}, runner.calls)
}

func TestProcedure_StartFailureIsFatal(t *testing.T) {
	runner := &fakeRunner{failOn: "start"}
	proc, err := New(VariantEKF2, telemetry.NewCache(), WithRunner(runner), WithBinDir("/px4"))
	require.NoError(t, err)

	err = proc.Reset(context.Background())
	assert.ErrorIs(t, err, command.ErrFatal)
	assert.Equal(t, StateFailed, proc.State())
}

func TestProcedure_Cancelled(t *testing.T) {
	proc, err := New(VariantEKF2, telemetry.NewCache(), WithRunner(&fakeRunner{}), WithBinDir("/px4"), WithMaxWait(10*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = proc.Reset(ctx)
	assert.ErrorIs(t, err, command.ErrCancelled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNew_UnknownVariant(t *testing.T) {
	_, err := New("ukf", telemetry.NewCache(), WithBinDir("/px4"))
	assert.Error(t, err)
}
