package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DirectHTTP controls smart plugs of the Shelly family over their
// local HTTP API. Two incompatible API generations exist in the field:
// the modern RPC endpoints (Gen2+) and the legacy /relay endpoints
// (Gen1). Each call tries the modern form first and falls back to
// legacy on failure. Identifiers are "host[/channel]", channel 0 when
// omitted.
type DirectHTTP struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewDirectHTTP creates the adapter.
func NewDirectHTTP(timeout time.Duration, logger *zap.Logger) *DirectHTTP {
	return &DirectHTTP{
		logger: logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func splitPlugID(id string) (host string, channel int) {
	host, ch, found := strings.Cut(id, "/")
	if !found {
		return id, 0
	}
	n, err := strconv.Atoi(ch)
	if err != nil {
		return host, 0
	}
	return host, n
}

type rpcSwitchStatus struct {
	Output bool `json:"output"`
}

type legacyRelayStatus struct {
	IsOn bool `json:"ison"`
}

// GetState queries the plug's relay state, modern API first.
func (d *DirectHTTP) GetState(ctx context.Context, id string) (bool, bool) {
	host, ch := splitPlugID(id)

	// Gen2+: RPC status endpoint.
	endpoint := fmt.Sprintf("http://%s/rpc/Switch.GetStatus?id=%d", host, ch)
	if body, ok := d.do(ctx, http.MethodGet, endpoint); ok {
		var status rpcSwitchStatus
		if err := json.Unmarshal(body, &status); err == nil {
			return status.Output, true
		}
	}

	// Gen1 fallback: relay endpoint.
	endpoint = fmt.Sprintf("http://%s/relay/%d", host, ch)
	if body, ok := d.do(ctx, http.MethodGet, endpoint); ok {
		var status legacyRelayStatus
		if err := json.Unmarshal(body, &status); err == nil {
			return status.IsOn, true
		}
	}

	d.logger.Warn("Plug state unavailable on both API generations",
		zap.String("host", host),
		zap.Int("channel", ch))
	return false, false
}

// SetState switches the relay, modern API first.
func (d *DirectHTTP) SetState(ctx context.Context, id string, on bool) bool {
	host, ch := splitPlugID(id)

	endpoint := fmt.Sprintf("http://%s/rpc/Switch.Set?id=%d&on=%t", host, ch, on)
	if _, ok := d.do(ctx, http.MethodPost, endpoint); ok {
		return true
	}

	turn := "off"
	if on {
		turn = "on"
	}
	endpoint = fmt.Sprintf("http://%s/relay/%d?turn=%s", host, ch, turn)
	if _, ok := d.do(ctx, http.MethodPost, endpoint); ok {
		return true
	}

	d.logger.Warn("Plug command failed on both API generations",
		zap.String("host", host),
		zap.Int("channel", ch),
		zap.Bool("on", on))
	return false
}

// TestConnection probes the device info endpoint shared by both
// generations.
func (d *DirectHTTP) TestConnection(ctx context.Context) bool {
	// The adapter is per-call host-addressed; with no configured hub
	// there is nothing global to probe.
	return true
}

// TestDevice probes one plug's shared /shelly info endpoint.
func (d *DirectHTTP) TestDevice(ctx context.Context, id string) bool {
	host, _ := splitPlugID(id)
	_, ok := d.do(ctx, http.MethodGet, fmt.Sprintf("http://%s/shelly", host))
	return ok
}

// do performs one request and returns the body on 2xx.
func (d *DirectHTTP) do(ctx context.Context, method, endpoint string) ([]byte, bool) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		d.logger.Error("Failed to build plug request", zap.String("url", endpoint), zap.Error(err))
		return nil, false
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Debug("Plug request failed", zap.String("url", endpoint), zap.Error(err))
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Debug("Plug request rejected",
			zap.String("url", endpoint),
			zap.Int("status_code", resp.StatusCode))
		return nil, false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logger.Debug("Plug response read failed", zap.String("url", endpoint), zap.Error(err))
		return nil, false
	}
	return body, true
}
