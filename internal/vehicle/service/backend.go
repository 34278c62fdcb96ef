// Package service implements a vehicle backend for a flight-control stack
// reached through a middleware service layer. Commands are acknowledged by
// request/response calls and confirmed on the asynchronous telemetry stream.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/uavctl/internal/command"
	"github.com/roman-kulish/uavctl/internal/estimator"
	"github.com/roman-kulish/uavctl/internal/telemetry"
	"github.com/roman-kulish/uavctl/internal/vehicle"
)

const (
	Name = "service"

	// DefaultReadyTimeout bounds the connection handshake
	DefaultReadyTimeout = 30 * time.Second
)

// ErrDenied is returned when the vehicle answers a request negatively
var ErrDenied = errors.New("request denied by vehicle")

var (
	_ vehicle.Backend           = (*Backend)(nil)
	_ vehicle.ModeSetter        = (*Backend)(nil)
	_ vehicle.EstimatorResetter = (*Backend)(nil)
)

// WithLogger sets the logger for the backend
func WithLogger(logger *slog.Logger) func(*Backend) {
	return func(b *Backend) {
		b.logger = logger.With(slog.String("backend", Name))
	}
}

// WithCommandTiming sets the poll interval and confirmation timeout of
// confirmed commands
func WithCommandTiming(pollInterval, timeout time.Duration) func(*Backend) {
	return func(b *Backend) {
		b.pollInterval = pollInterval
		b.commandTimeout = timeout
	}
}

// WithReadyTimeout bounds how long Connect waits for telemetry and services
func WithReadyTimeout(d time.Duration) func(*Backend) {
	return func(b *Backend) {
		b.readyTimeout = d
	}
}

// WithEstimator enables estimator resets for the given estimator variant
func WithEstimator(variant string, options ...func(*estimator.Procedure)) func(*Backend) {
	return func(b *Backend) {
		b.estimatorVariant = variant
		b.estimatorOptions = options
	}
}

// Backend is a vehicle behind a flight-control middleware
type Backend struct {
	transport Transport
	cache     *telemetry.Cache
	estimator *estimator.Procedure

	estimatorVariant string
	estimatorOptions []func(*estimator.Procedure)

	ready    atomic.Bool
	collided atomic.Bool

	pollInterval   time.Duration
	commandTimeout time.Duration
	readyTimeout   time.Duration

	logger *slog.Logger
}

// New creates a Backend using transport. The backend owns the transport and
// closes it on Disconnect.
func New(transport Transport, options ...func(*Backend)) (*Backend, error) {
	b := Backend{
		transport:      transport,
		cache:          telemetry.NewCache(),
		pollInterval:   command.DefaultPollInterval,
		commandTimeout: command.DefaultTimeout,
		readyTimeout:   DefaultReadyTimeout,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&b)
	}

	if b.estimatorVariant != "" {
		opts := append([]func(*estimator.Procedure){estimator.WithLogger(b.logger)}, b.estimatorOptions...)

		var err error
		if b.estimator, err = estimator.New(b.estimatorVariant, b.cache, opts...); err != nil {
			return nil, fmt.Errorf("creating estimator procedure: %w", err)
		}
	}

	return &b, nil
}

func (b *Backend) Name() string {
	return Name
}

// Telemetry returns the cache refreshed by the telemetry subscriptions
func (b *Backend) Telemetry() *telemetry.Cache {
	return b.cache
}

// Connect connects the transport, subscribes to telemetry and blocks until
// every telemetry field was received and every service is available.
func (b *Backend) Connect(ctx context.Context) error {
	if err := b.transport.Connect(ctx); err != nil {
		return command.NewError("connect", command.OutcomeFatal, err)
	}

	subscriptions := []struct {
		topic   string
		handler func([]byte)
	}{
		{TopicState, b.handleState},
		{TopicLocalPose, b.handlePose},
		{TopicGlobalFix, b.handleGPS},
		{TopicEstimatorStatus, b.handleEstimator},
		{TopicCollision, b.handleCollision},
	}
	for _, s := range subscriptions {
		if err := b.transport.Subscribe(s.topic, s.handler); err != nil {
			return command.NewError("connect", command.OutcomeFatal, fmt.Errorf("subscribing to %s: %w", s.topic, err))
		}
	}

	readyCtx, cancel := context.WithTimeout(ctx, b.readyTimeout)
	defer cancel()

	if _, err := command.Await(readyCtx, b.cache, populated(telemetry.AllFields), b.pollInterval, b.readyTimeout); err != nil {
		missing := b.cache.Missing(telemetry.AllFields)
		return command.NewError("connect", command.OutcomeFatal, fmt.Errorf("waiting for telemetry %s: %w", missing, err))
	}

	for _, service := range requiredServices {
		if err := b.transport.WaitForService(readyCtx, service); err != nil {
			return command.NewError("connect", command.OutcomeFatal, fmt.Errorf("waiting for service %s: %w", service, err))
		}
	}

	b.ready.Store(true)
	b.logger.Info("backend ready", slog.Any("topics", telemetryTopics), slog.Int("services", len(requiredServices)))
	return nil
}

// Disconnect closes the transport and forgets all telemetry.
func (b *Backend) Disconnect() error {
	b.ready.Store(false)
	err := b.transport.Close()
	b.cache.Reset()
	return err
}

// EnableControl switches the vehicle to offboard control, or back to loiter.
func (b *Backend) EnableControl(ctx context.Context, enable bool) error {
	if !enable {
		return b.SetMode(ctx, ModeLoiter)
	}

	// The flight stack refuses offboard mode without a live setpoint stream.
	if err := b.SetVelocity(ctx, vehicle.Velocity{}); err != nil {
		return err
	}
	return b.SetMode(ctx, ModeOffboard)
}

// SetMode requests a custom flight mode and waits until it is reported.
func (b *Backend) SetMode(ctx context.Context, mode string) error {
	return b.run(ctx, command.Request{
		Name: ServiceSetMode,
		Invoke: func(ctx context.Context) error {
			var resp SetModeResponse
			if err := b.call(ctx, ServiceSetMode, SetModeRequest{BaseMode: customMode, CustomMode: mode}, &resp); err != nil {
				return err
			}
			if !resp.ModeSent {
				return ErrDenied
			}
			return nil
		},
		Ready: command.ModeIs{Mode: mode},
	})
}

func (b *Backend) ArmDisarm(ctx context.Context, arm bool) error {
	return b.run(ctx, command.Request{
		Name: ServiceArming,
		Invoke: func(ctx context.Context) error {
			return b.callCommand(ctx, ServiceArming, CommandBoolRequest{Value: arm})
		},
		Ready: command.ArmedIs{Armed: arm},
	})
}

func (b *Backend) Takeoff(ctx context.Context, altitude float64) error {
	return b.takeoffLand(ctx, ServiceTakeoff, ModeTakeoff, altitude)
}

func (b *Backend) Land(ctx context.Context, altitude float64) error {
	return b.takeoffLand(ctx, ServiceLand, ModeLand, altitude)
}

func (b *Backend) takeoffLand(ctx context.Context, service, mode string, altitude float64) error {
	if err := b.checkReady(service); err != nil {
		return err
	}

	gps, ok := b.cache.GPS()
	if !ok {
		return command.NewError(service, command.OutcomeNotReady, errors.New("no GPS fix"))
	}

	return b.run(ctx, command.Request{
		Name: service,
		Invoke: func(ctx context.Context) error {
			return b.callCommand(ctx, service, CommandTOLRequest{
				Latitude:  gps.Latitude,
				Longitude: gps.Longitude,
				Altitude:  altitude,
			})
		},
		Ready: command.ModeIs{Mode: mode},
	})
}

// SetVelocity publishes a velocity setpoint. It is not confirmed.
func (b *Backend) SetVelocity(_ context.Context, v vehicle.Velocity) error {
	if err := b.checkReady(TopicCmdVel); err != nil {
		return err
	}

	if err := b.transport.Publish(TopicCmdVel, newTwist(v)); err != nil {
		return command.NewError(TopicCmdVel, command.OutcomeRejected, command.Temporary(err))
	}
	return nil
}

func (b *Backend) PauseWorld(ctx context.Context) error {
	return b.callWorld(ctx, ServicePausePhysics)
}

func (b *Backend) UnpauseWorld(ctx context.Context) error {
	return b.callWorld(ctx, ServiceUnpausePhysics)
}

func (b *Backend) ResetWorld(ctx context.Context) error {
	if err := b.callWorld(ctx, ServiceResetWorld); err != nil {
		return err
	}
	b.collided.Store(false)
	return nil
}

func (b *Backend) callWorld(ctx context.Context, service string) error {
	return b.run(ctx, command.Request{
		Name: service,
		Invoke: func(ctx context.Context) error {
			return b.call(ctx, service, EmptyMsg{}, &EmptyMsg{})
		},
	})
}

// IsCollided reports whether a collision was seen since the last world reset
func (b *Backend) IsCollided(_ context.Context) (bool, error) {
	if err := b.checkReady("collision"); err != nil {
		return false, err
	}
	return b.collided.Load(), nil
}

func (b *Backend) CameraFrame(ctx context.Context, camera int, kind vehicle.ImageKind) (*vehicle.Frame, error) {
	if err := b.checkReady(ServiceGetImage); err != nil {
		return nil, err
	}

	var resp ImageResponse
	if err := b.call(ctx, ServiceGetImage, ImageRequest{Camera: camera, Kind: string(kind)}, &resp); err != nil {
		return nil, command.NewError(ServiceGetImage, command.OutcomeRejected, err)
	}

	return &vehicle.Frame{
		Camera:    camera,
		Kind:      kind,
		Width:     resp.Width,
		Height:    resp.Height,
		Pixels:    resp.Data,
		Depth:     resp.Depth,
		Timestamp: resp.Header.Stamp,
	}, nil
}

func (b *Backend) State(_ context.Context) (telemetry.State, error) {
	return b.cache.Snapshot(), nil
}

// ResetEstimator restarts the state estimator and waits for a valid estimate
func (b *Backend) ResetEstimator(ctx context.Context) error {
	if b.estimator == nil {
		return command.NewError("estimator reset", command.OutcomeRejected, errors.New("no estimator configured"))
	}
	if err := b.checkReady("estimator reset"); err != nil {
		return err
	}
	return b.estimator.Reset(ctx)
}

func (b *Backend) checkReady(op string) error {
	if !b.ready.Load() {
		return command.NewError(op, command.OutcomeNotReady, nil)
	}
	return nil
}

func (b *Backend) run(ctx context.Context, req command.Request) error {
	if err := b.checkReady(req.Name); err != nil {
		return err
	}

	req.PollInterval = b.pollInterval
	req.Timeout = b.commandTimeout

	_, err := command.Run(ctx, b.cache, req, command.WithLogger(b.logger))
	return err
}

// call marks transport failures as temporary; a negative answer decoded
// from the reply is left to the caller.
func (b *Backend) call(ctx context.Context, service string, req, resp any) error {
	if err := b.transport.Call(ctx, service, req, resp); err != nil {
		return command.Temporary(fmt.Errorf("calling %s: %w", service, err))
	}
	return nil
}

func (b *Backend) callCommand(ctx context.Context, service string, req any) error {
	var resp CommandResponse
	if err := b.call(ctx, service, req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: result code %d", ErrDenied, resp.Result)
	}
	return nil
}

func (b *Backend) handleState(payload []byte) {
	var msg StateMsg
	if b.decode(TopicState, payload, &msg) {
		b.cache.UpdateStatus(msg.toStatus())
	}
}

func (b *Backend) handlePose(payload []byte) {
	var msg PoseStampedMsg
	if b.decode(TopicLocalPose, payload, &msg) {
		b.cache.UpdatePose(msg.toPose())
	}
}

func (b *Backend) handleGPS(payload []byte) {
	var msg NavSatFixMsg
	if b.decode(TopicGlobalFix, payload, &msg) {
		b.cache.UpdateGPS(msg.toGPS())
	}
}

func (b *Backend) handleEstimator(payload []byte) {
	var msg EstimatorStatusMsg
	if b.decode(TopicEstimatorStatus, payload, &msg) {
		b.cache.UpdateEstimator(msg.toEstimator())
	}
}

func (b *Backend) handleCollision(payload []byte) {
	var msg ContactMsg
	if b.decode(TopicCollision, payload, &msg) && msg.Collided {
		if !b.collided.Swap(true) {
			b.logger.Warn("collision detected", slog.String("object", msg.Object))
		}
	}
}

func (b *Backend) decode(topic string, payload []byte, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		b.logger.Warn("failed to parse telemetry message",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
			slog.Int("size", len(payload)))
		return false
	}
	return true
}

// populated holds once every field in it has been received.
type populated telemetry.Field

func (p populated) Requires() telemetry.Field { return telemetry.Field(p) }
func (p populated) Holds(telemetry.State) bool { return true }
func (p populated) String() string            { return "telemetry " + telemetry.Field(p).String() }
