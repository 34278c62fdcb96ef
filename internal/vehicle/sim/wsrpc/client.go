// Package wsrpc is a JSON-RPC client for the simulator's vehicle API served
// over a WebSocket.
package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roman-kulish/uavctl/internal/vehicle/sim"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024 * 1024 // camera frames are large
)

var ErrClosed = errors.New("rpc connection closed")

var (
	_ sim.Client  = (*Client)(nil)
	_ sim.Refusal = (*Error)(nil)
)

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is an error returned by the simulator
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Refused reports that the simulator handled the call and failed it
func (e *Error) Refused() bool { return true }

// WithLogger sets the logger for the client
func WithLogger(logger *slog.Logger) func(*Client) {
	return func(c *Client) {
		c.logger = logger.With(slog.String("transport", "wsrpc"))
	}
}

// WithVehicle selects the simulated vehicle addressed by every call
func WithVehicle(name string) func(*Client) {
	return func(c *Client) {
		c.vehicle = name
	}
}

// Client implements sim.Client. Calls may be issued concurrently; responses
// are matched to requests by ID.
type Client struct {
	conn    *websocket.Conn
	vehicle string
	logger  *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan response

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the simulator RPC endpoint at url
func Dial(ctx context.Context, url string, options ...func(*Client)) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := Client{
		conn:    conn,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending: make(map[uint64]chan response),
		done:    make(chan struct{}),
	}

	for _, option := range options {
		option(&c)
	}

	conn.SetReadLimit(maxMessageSize)
	go c.readLoop()

	return &c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("rpc read error", slog.String("error", err.Error()))
			}
			return
		}

		var resp response
		if err = json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("failed to parse rpc response", slog.String("error", err.Error()))
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()

		if !ok {
			c.logger.Debug("dropping unmatched rpc response", slog.Uint64("id", resp.ID))
			continue
		}
		ch <- resp
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
}

// Close closes the connection and fails every pending call
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown()
	return c.closeErr
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err = json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
		return nil

	case <-ctx.Done():
		return ctx.Err()

	case <-c.done:
		return fmt.Errorf("%s: %w", method, ErrClosed)
	}
}

func (c *Client) params(kv ...any) map[string]any {
	p := map[string]any{"vehicle_name": c.vehicle}
	for i := 0; i+1 < len(kv); i += 2 {
		p[kv[i].(string)] = kv[i+1]
	}
	return p
}

func (c *Client) ConfirmConnection(ctx context.Context) error {
	var ok bool
	if err := c.call(ctx, "ping", nil, &ok); err != nil {
		return err
	}
	if !ok {
		return errors.New("simulator did not answer ping")
	}
	return nil
}

func (c *Client) EnableAPIControl(ctx context.Context, enable bool) error {
	return c.call(ctx, "enableApiControl", c.params("is_enabled", enable), nil)
}

func (c *Client) IsAPIControlEnabled(ctx context.Context) (bool, error) {
	var enabled bool
	err := c.call(ctx, "isApiControlEnabled", c.params(), &enabled)
	return enabled, err
}

func (c *Client) ArmDisarm(ctx context.Context, arm bool) (bool, error) {
	var ok bool
	err := c.call(ctx, "armDisarm", c.params("arm", arm), &ok)
	return ok, err
}

func (c *Client) MoveToZ(ctx context.Context, z, velocity float64, timeout time.Duration) error {
	return c.call(ctx, "moveToZ", c.params("z", z, "velocity", velocity, "timeout_sec", timeout.Seconds()), nil)
}

func (c *Client) Land(ctx context.Context, timeout time.Duration) error {
	return c.call(ctx, "land", c.params("timeout_sec", timeout.Seconds()), nil)
}

func (c *Client) MoveByVelocity(ctx context.Context, cmd sim.VelocityCommand) error {
	return c.call(ctx, "moveByVelocity", c.params(
		"vx", cmd.VX,
		"vy", cmd.VY,
		"vz", cmd.VZ,
		"duration", cmd.Duration.Seconds(),
		"yaw_mode", map[string]any{"is_rate": true, "yaw_or_rate": cmd.YawRate},
	), nil)
}

func (c *Client) Pause(ctx context.Context, pause bool) error {
	return c.call(ctx, "simPause", map[string]any{"is_paused": pause}, nil)
}

func (c *Client) Reset(ctx context.Context) error {
	return c.call(ctx, "reset", nil, nil)
}

func (c *Client) VehicleState(ctx context.Context) (sim.VehicleState, error) {
	var state sim.VehicleState
	err := c.call(ctx, "getMultirotorState", c.params(), &state)
	return state, err
}

func (c *Client) Images(ctx context.Context, requests []sim.ImageRequest) ([]sim.ImageResponse, error) {
	var responses []sim.ImageResponse
	err := c.call(ctx, "simGetImages", c.params("requests", requests), &responses)
	return responses, err
}

func (c *Client) CollisionInfo(ctx context.Context) (sim.CollisionInfo, error) {
	var info sim.CollisionInfo
	err := c.call(ctx, "simGetCollisionInfo", c.params(), &info)
	return info, err
}
