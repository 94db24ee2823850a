package devices

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// gatewayCommand is one relayed actuator command. Action is "on",
// "off" or "get".
type gatewayCommand struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	DeviceID      string `json:"device_id"`
	Action        string `json:"action"`
}

// gatewayAck is the gateway's response, matched to its command by
// correlation id.
type gatewayAck struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	State         string `json:"state"`
}

// Gateway relays actuator commands over a persistent websocket to a
// remote gateway. Commands carry a correlation id; the matching
// acknowledgment reports success and current state. Every call is
// bounded by the configured timeout so a hung gateway cannot stall the
// control loop.
type Gateway struct {
	logger  *zap.Logger
	url     string
	timeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan gatewayAck
}

// NewGateway creates the adapter. The connection is established lazily
// on first use and re-established after failures.
func NewGateway(url string, timeout time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		logger:  logger,
		url:     url,
		timeout: timeout,
		pending: make(map[string]chan gatewayAck),
	}
}

// connect dials the gateway and starts the ack reader. Caller holds
// g.mu.
func (g *Gateway) connect(ctx context.Context) error {
	if g.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: g.timeout}
	conn, _, err := dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return err
	}
	g.conn = conn
	go g.readLoop(conn)

	g.logger.Info("Connected to device gateway", zap.String("url", g.url))
	return nil
}

// readLoop dispatches acknowledgment frames to their waiting callers
// until the connection dies.
func (g *Gateway) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.dropConn(conn, err)
			return
		}

		var ack gatewayAck
		if err := json.Unmarshal(data, &ack); err != nil {
			g.logger.Warn("Unparseable gateway frame", zap.Error(err))
			continue
		}
		if ack.Type != "ack" {
			continue
		}

		g.mu.Lock()
		ch, ok := g.pending[ack.CorrelationID]
		if ok {
			delete(g.pending, ack.CorrelationID)
		}
		g.mu.Unlock()

		if ok {
			ch <- ack
		}
	}
}

// dropConn tears down a dead connection and fails its in-flight
// commands.
func (g *Gateway) dropConn(conn *websocket.Conn, cause error) {
	conn.Close()

	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	orphaned := g.pending
	g.pending = make(map[string]chan gatewayAck)
	g.mu.Unlock()

	for _, ch := range orphaned {
		close(ch)
	}
	g.logger.Warn("Gateway connection lost", zap.Error(cause))
}

// send transmits one command and waits for its correlated ack.
func (g *Gateway) send(ctx context.Context, deviceID, action string) (gatewayAck, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := gatewayCommand{
		Type:          "command",
		CorrelationID: uuid.NewString(),
		DeviceID:      deviceID,
		Action:        action,
	}
	ackCh := make(chan gatewayAck, 1)

	g.mu.Lock()
	if err := g.connect(ctx); err != nil {
		g.mu.Unlock()
		g.logger.Warn("Gateway unreachable",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return gatewayAck{}, false
	}
	g.pending[cmd.CorrelationID] = ackCh
	conn := g.conn
	conn.SetWriteDeadline(time.Now().Add(g.timeout))
	err := conn.WriteJSON(cmd)
	g.mu.Unlock()

	if err != nil {
		g.mu.Lock()
		delete(g.pending, cmd.CorrelationID)
		g.mu.Unlock()
		g.dropConn(conn, err)
		return gatewayAck{}, false
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			// Connection died while waiting.
			return gatewayAck{}, false
		}
		return ack, true
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, cmd.CorrelationID)
		g.mu.Unlock()
		g.logger.Warn("Gateway ack timeout",
			zap.String("device_id", deviceID),
			zap.String("action", action),
			zap.String("correlation_id", cmd.CorrelationID))
		return gatewayAck{}, false
	}
}

// GetState queries the relayed actuator's state.
func (g *Gateway) GetState(ctx context.Context, id string) (bool, bool) {
	ack, ok := g.send(ctx, id, "get")
	if !ok || !ack.Success {
		return false, false
	}
	switch ack.State {
	case "on":
		return true, true
	case "off":
		return false, true
	default:
		return false, false
	}
}

// SetState relays a switch command and reports acknowledgment.
func (g *Gateway) SetState(ctx context.Context, id string, on bool) bool {
	action := "off"
	if on {
		action = "on"
	}
	ack, ok := g.send(ctx, id, action)
	return ok && ack.Success
}

// TestConnection verifies the websocket can be established.
func (g *Gateway) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.connect(ctx); err != nil {
		g.logger.Warn("Gateway connection test failed", zap.Error(err))
		return false
	}
	return true
}

// Close shuts the persistent connection down.
func (g *Gateway) Close() {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn != nil {
		g.dropConn(conn, nil)
	}
}
