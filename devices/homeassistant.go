package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HomeAssistant controls actuators through a Home Assistant instance's
// REST API with bearer authentication. Identifiers are entity ids like
// "switch.fermenter_heater".
type HomeAssistant struct {
	logger     *zap.Logger
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHomeAssistant creates an adapter for the given instance.
func NewHomeAssistant(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HomeAssistant {
	return &HomeAssistant{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type haStateResponse struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// GetState reads the entity's current state.
func (h *HomeAssistant) GetState(ctx context.Context, entityID string) (bool, bool) {
	endpoint := fmt.Sprintf("%s/api/states/%s", h.baseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		h.logger.Error("Failed to build Home Assistant request",
			zap.String("entity_id", entityID),
			zap.Error(err))
		return false, false
	}
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Warn("Home Assistant unreachable",
			zap.String("entity_id", entityID),
			zap.Error(err))
		return false, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.logger.Warn("Home Assistant state query failed",
			zap.String("entity_id", entityID),
			zap.Int("status_code", resp.StatusCode))
		return false, false
	}

	var state haStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		h.logger.Warn("Invalid Home Assistant state response",
			zap.String("entity_id", entityID),
			zap.Error(err))
		return false, false
	}

	switch state.State {
	case "on":
		return true, true
	case "off":
		return false, true
	default:
		// "unavailable", "unknown" and friends: the entity exists but
		// its state is not usable for control decisions.
		h.logger.Warn("Home Assistant entity state not usable",
			zap.String("entity_id", entityID),
			zap.String("state", state.State))
		return false, false
	}
}

// SetState calls the turn_on/turn_off service for the entity's domain.
func (h *HomeAssistant) SetState(ctx context.Context, entityID string, on bool) bool {
	domain, _, found := strings.Cut(entityID, ".")
	if !found {
		h.logger.Warn("Home Assistant entity id has no domain", zap.String("entity_id", entityID))
		return false
	}

	action := "turn_off"
	if on {
		action = "turn_on"
	}
	endpoint := fmt.Sprintf("%s/api/services/%s/%s", h.baseURL, domain, action)

	body, err := json.Marshal(map[string]string{"entity_id": entityID})
	if err != nil {
		h.logger.Error("Failed to marshal service call",
			zap.String("entity_id", entityID),
			zap.Error(err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		h.logger.Error("Failed to build Home Assistant request",
			zap.String("entity_id", entityID),
			zap.Error(err))
		return false
	}
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Warn("Home Assistant unreachable",
			zap.String("entity_id", entityID),
			zap.String("action", action),
			zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.logger.Warn("Home Assistant service call failed",
			zap.String("entity_id", entityID),
			zap.String("action", action),
			zap.Int("status_code", resp.StatusCode))
		return false
	}
	return true
}

// ReadSensor reads a numeric sensor entity, e.g. an ambient
// thermometer. Unlike the switch methods this returns an error, since
// callers record samples rather than drive actuators.
func (h *HomeAssistant) ReadSensor(ctx context.Context, entityID string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/states/%s", h.baseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build request for %s: %w", entityID, err)
	}
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("query %s: status %d", entityID, resp.StatusCode)
	}

	var state haStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return 0, fmt.Errorf("decode state of %s: %w", entityID, err)
	}

	value, err := strconv.ParseFloat(state.State, 64)
	if err != nil {
		return 0, fmt.Errorf("sensor %s state %q is not numeric", entityID, state.State)
	}
	return value, nil
}

// TestConnection checks the API root responds to the bearer token.
func (h *HomeAssistant) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/", nil)
	if err != nil {
		return false
	}
	h.setHeaders(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Warn("Home Assistant connection test failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (h *HomeAssistant) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
}
