package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roman-kulish/uavctl/internal/command"
	"github.com/roman-kulish/uavctl/internal/config"
	"github.com/roman-kulish/uavctl/internal/frame"
	"github.com/roman-kulish/uavctl/internal/robotenv"
	"github.com/roman-kulish/uavctl/internal/vehicle"
)

const (
	setpointInterval = 100 * time.Millisecond
	landTimeout      = 30 * time.Second
)

var ErrCollision = errors.New("vehicle collided")

// checkout flies a minimal mission to check the whole command path:
// arm, take off, hold position, capture a frame, land and disarm.
type checkout struct {
	env            *robotenv.Env
	cfg            *config.CheckoutConfig
	resetEstimator bool
	sessionID      int64
	logger         *slog.Logger
}

func newCheckout(env *robotenv.Env, cfg *config.CheckoutConfig, resetEstimator bool, sessionID int64, logger *slog.Logger) *checkout {
	return &checkout{
		env:            env,
		cfg:            cfg,
		resetEstimator: resetEstimator,
		sessionID:      sessionID,
		logger:         logger,
	}
}

func (c *checkout) Fly(ctx context.Context) (err error) {
	if err = c.env.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer func() {
		if derr := c.env.Disconnect(); derr != nil {
			c.logger.Warn("disconnect failed", slog.Any("error", derr))
		}
	}()

	if err = c.env.UnpauseWorld(ctx); err != nil {
		return fmt.Errorf("unpausing world: %w", err)
	}

	if c.resetEstimator {
		if _, err = c.env.ResetEstimator(ctx); err != nil {
			return fmt.Errorf("resetting estimator: %w", err)
		}
	}

	if _, err = c.env.ArmDisarm(ctx, true); err != nil {
		return fmt.Errorf("arming: %w", err)
	}

	if _, err = c.env.Takeoff(ctx, c.cfg.Altitude); err != nil {
		c.safeLand()
		return fmt.Errorf("taking off: %w", err)
	}
	c.logger.Info("airborne", slog.Float64("altitude", c.cfg.Altitude))

	if err = c.hover(ctx); err != nil {
		c.safeLand()
		return err
	}

	if c.cfg.OutputDir != "" {
		if err = c.capture(ctx); err != nil {
			// a missing frame does not abort the flight
			c.logger.Warn("frame capture failed", slog.Any("error", err))
		}
	}

	if _, err = c.env.Land(ctx, 0); err != nil {
		return fmt.Errorf("landing: %w", err)
	}

	if _, err = c.env.ArmDisarm(ctx, false); err != nil {
		return fmt.Errorf("disarming: %w", err)
	}

	c.logger.Info("checkout complete")
	return c.env.PauseWorld(ctx)
}

// hover holds position with zero velocity setpoints for the configured time
func (c *checkout) hover(ctx context.Context) error {
	ticker := time.NewTicker(setpointInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(c.cfg.Hover.Std())
	defer deadline.Stop()

	for {
		if err := c.env.CheckConnection(ctx); err != nil {
			return fmt.Errorf("checking connection: %w", err)
		}
		if err := c.env.SetVelocity(ctx, vehicle.Velocity{}); err != nil {
			c.logger.Warn("setpoint not sent", slog.Any("error", err))
		}

		collided, err := c.env.IsCollided(ctx)
		if err != nil {
			return fmt.Errorf("checking collision: %w", err)
		}
		if collided {
			return ErrCollision
		}

		select {
		case <-ctx.Done():
			return command.NewError("hover", command.OutcomeCancelled, ctx.Err())
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
}

func (c *checkout) capture(ctx context.Context) error {
	f, err := c.env.CameraFrame(ctx, c.cfg.Camera, vehicle.ImageScene)
	if err != nil {
		return err
	}

	state, err := c.env.State(ctx)
	if err != nil {
		return err
	}

	img, err := frame.ToImage(f, 0)
	if err != nil {
		return err
	}

	annotator, err := frame.NewAnnotator()
	if err != nil {
		return fmt.Errorf("creating annotator: %w", err)
	}
	defer annotator.Close()

	if err = annotator.Annotate(img, f, state); err != nil {
		return fmt.Errorf("annotating frame: %w", err)
	}

	if err = os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(c.cfg.OutputDir, fmt.Sprintf("checkout_%d_%s.png", c.sessionID, f.Timestamp.UTC().Format("20060102_150405")))
	if err = frame.WriteFile(path, img, frame.FormatPNG); err != nil {
		return err
	}

	c.logger.Info("frame captured", slog.String("path", path), slog.Int("width", f.Width), slog.Int("height", f.Height))
	return nil
}

// safeLand attempts a landing after an aborted flight, even when ctx was
// cancelled, and disarms once the vehicle is down.
func (c *checkout) safeLand() {
	ctx, cancel := context.WithTimeout(context.Background(), landTimeout)
	defer cancel()

	if _, err := c.env.Land(ctx, 0); err != nil {
		c.logger.Error("emergency landing failed", slog.Any("error", err))
		return
	}

	if _, err := c.env.ArmDisarm(ctx, false); err != nil {
		c.logger.Error("disarm after emergency landing failed", slog.Any("error", err))
	}
}
