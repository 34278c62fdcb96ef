package command

import (
	"fmt"
	"time"

	"github.com/roman-kulish/uavctl/internal/telemetry"
)

// Condition is a readiness predicate over the vehicle state. Conditions are
// plain values that name the telemetry fields they depend on, so they can be
// evaluated and tested without a backend.
type Condition interface {
	// Requires returns the fields that must be populated before Holds is meaningful.
	Requires() telemetry.Field

	// Holds reports whether the desired state is reached.
	Holds(s telemetry.State) bool

	String() string
}

// Evaluate reports whether c holds for s. It is false while any field c
// depends on has not been populated yet.
func Evaluate(c Condition, s telemetry.State) bool {
	if !s.Has(c.Requires()) {
		return false
	}
	return c.Holds(s)
}

// ArmedIs holds when the vehicle arming state equals Armed.
type ArmedIs struct {
	Armed bool
}

func (c ArmedIs) Requires() telemetry.Field   { return telemetry.FieldStatus }
func (c ArmedIs) Holds(s telemetry.State) bool { return s.Status.Armed == c.Armed }
func (c ArmedIs) String() string               { return fmt.Sprintf("armed == %t", c.Armed) }

// ModeIs holds when the flight mode equals Mode.
type ModeIs struct {
	Mode string
}

func (c ModeIs) Requires() telemetry.Field   { return telemetry.FieldStatus }
func (c ModeIs) Holds(s telemetry.State) bool { return s.Status.FlightMode == c.Mode }
func (c ModeIs) String() string               { return fmt.Sprintf("mode == %q", c.Mode) }

// Connected holds when the vehicle link is up.
type Connected struct{}

func (c Connected) Requires() telemetry.Field { return telemetry.FieldStatus }
func (c Connected) Holds(s telemetry.State) bool {
	return s.Status.Connection == telemetry.ConnectionConnected
}
func (c Connected) String() string { return "connected" }

// FreshEstimate holds once the estimator reports a sample stamped strictly
// after After with the required validity flags set.
type FreshEstimate struct {
	After      time.Time
	RequireAbs bool // absolute horizontal position must be valid
	RequireRel bool // relative horizontal position must be valid
}

// NewFreshEstimate returns a FreshEstimate requiring both validity flags.
func NewFreshEstimate(after time.Time) FreshEstimate {
	return FreshEstimate{After: after, RequireAbs: true, RequireRel: true}
}

func (c FreshEstimate) Requires() telemetry.Field { return telemetry.FieldEstimator }

func (c FreshEstimate) Holds(s telemetry.State) bool {
	e := s.Estimator
	if !e.Stamp.After(c.After) {
		return false
	}
	if c.RequireAbs && !e.HorizontalPositionValid {
		return false
	}
	if c.RequireRel && !e.HorizontalPositionRelValid {
		return false
	}
	return true
}

func (c FreshEstimate) String() string {
	return fmt.Sprintf("estimate after %s (abs=%t rel=%t)", c.After.Format(time.RFC3339Nano), c.RequireAbs, c.RequireRel)
}

// All holds when every condition holds.
type All []Condition

func (c All) Requires() telemetry.Field {
	var f telemetry.Field
	for _, cond := range c {
		f |= cond.Requires()
	}
	return f
}

func (c All) Holds(s telemetry.State) bool {
	for _, cond := range c {
		if !cond.Holds(s) {
			return false
		}
	}
	return true
}

func (c All) String() string {
	return fmt.Sprintf("all%v", []Condition(c))
}
