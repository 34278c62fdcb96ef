package service

import (
	"context"
)

// Telemetry topics published by the flight stack
const (
	TopicState           = "mavros/state"
	TopicLocalPose       = "mavros/local_position/pose"
	TopicGlobalFix       = "mavros/global_position/raw/fix"
	TopicEstimatorStatus = "mavros/estimator_status"
	TopicCollision       = "sim/collision"
)

// Setpoint topics consumed by the flight stack
const (
	TopicCmdVel = "mavros/setpoint_velocity/cmd_vel"
)

// Request/response services
const (
	ServiceSetMode        = "mavros/set_mode"
	ServiceArming         = "mavros/cmd/arming"
	ServiceTakeoff        = "mavros/cmd/takeoff"
	ServiceLand           = "mavros/cmd/land"
	ServicePausePhysics   = "gazebo/pause_physics"
	ServiceUnpausePhysics = "gazebo/unpause_physics"
	ServiceResetWorld     = "gazebo/reset_world"
	ServiceGetImage       = "camera/get_image"
)

var (
	telemetryTopics = []string{TopicState, TopicLocalPose, TopicGlobalFix, TopicEstimatorStatus}

	requiredServices = []string{
		ServiceSetMode,
		ServiceArming,
		ServiceTakeoff,
		ServiceLand,
		ServicePausePhysics,
		ServiceUnpausePhysics,
		ServiceResetWorld,
	}
)

// Transport reaches the flight-control middleware. Calls are request/response
// and acknowledge receipt only; their effect is reported later on the
// subscribed telemetry topics.
type Transport interface {
	// Connect establishes the connection to the middleware.
	Connect(ctx context.Context) error

	// Close tears the connection down. It is safe to call more than once.
	Close() error

	// Call invokes service with req and decodes the reply into resp.
	Call(ctx context.Context, service string, req, resp any) error

	// Publish sends msg on topic without waiting for any reply.
	Publish(topic string, msg any) error

	// Subscribe registers handler for every message received on topic.
	// Handlers run on the transport's goroutines.
	Subscribe(topic string, handler func(payload []byte)) error

	// WaitForService blocks until service is available or ctx is done.
	WaitForService(ctx context.Context, service string) error
}
