// Package devices abstracts the heater/cooler control backends behind
// one Controller contract. Adapters never surface transport failures
// as errors: every failure resolves to false plus a logged reason, and
// the temperature control loop's fail-safe policy takes over.
package devices

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Controller is the uniform actuator contract every backend adapter
// implements.
type Controller interface {
	// GetState returns the actuator's current on/off state. known is
	// false when the backend could not be reached or gave no usable
	// answer.
	GetState(ctx context.Context, id string) (on bool, known bool)

	// SetState switches the actuator and reports whether the backend
	// acknowledged the command.
	SetState(ctx context.Context, id string, on bool) bool

	// TestConnection reports whether the backend is reachable.
	TestConnection(ctx context.Context) bool
}

// Scheme prefixes routing an actuator identifier to its backend.
const (
	SchemeHomeAssistant = "ha"
	SchemeDirectHTTP    = "http"
	SchemeGateway       = "gw"
)

// Router dispatches Controller calls by the scheme prefix of the
// actuator identifier, e.g. "ha:switch.fermenter_heater",
// "http:192.168.1.40/0", "gw:cellar-plug-2".
type Router struct {
	logger   *zap.Logger
	adapters map[string]Controller
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		logger:   logger,
		adapters: make(map[string]Controller),
	}
}

// Register binds an adapter to a scheme prefix.
func (r *Router) Register(scheme string, adapter Controller) {
	r.adapters[scheme] = adapter
}

// split returns the adapter for the identifier's scheme and the
// backend-local remainder of the identifier.
func (r *Router) split(id string) (Controller, string, bool) {
	scheme, rest, found := strings.Cut(id, ":")
	if !found || rest == "" {
		r.logger.Warn("Actuator id has no scheme prefix", zap.String("id", id))
		return nil, "", false
	}
	adapter, ok := r.adapters[scheme]
	if !ok {
		r.logger.Warn("No adapter registered for scheme",
			zap.String("scheme", scheme),
			zap.String("id", id))
		return nil, "", false
	}
	return adapter, rest, true
}

// GetState dispatches to the adapter for the identifier's scheme.
func (r *Router) GetState(ctx context.Context, id string) (bool, bool) {
	adapter, rest, ok := r.split(id)
	if !ok {
		return false, false
	}
	return adapter.GetState(ctx, rest)
}

// SetState dispatches to the adapter for the identifier's scheme.
func (r *Router) SetState(ctx context.Context, id string, on bool) bool {
	adapter, rest, ok := r.split(id)
	if !ok {
		return false
	}
	return adapter.SetState(ctx, rest, on)
}

// TestConnection reports whether every registered backend is
// reachable.
func (r *Router) TestConnection(ctx context.Context) bool {
	all := true
	for scheme, adapter := range r.adapters {
		if !adapter.TestConnection(ctx) {
			r.logger.Warn("Backend connection test failed", zap.String("scheme", scheme))
			all = false
		}
	}
	return all
}
