package devices

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHATestServer(t *testing.T, states map[string]string) (*httptest.Server, *haCallLog) {
	t.Helper()
	log := &haCallLog{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/states/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		entityID := r.URL.Path[len("/api/states/"):]
		state, ok := states[entityID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(haStateResponse{EntityID: entityID, State: state})
	})
	mux.HandleFunc("/api/services/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		log.add(r.URL.Path + " " + body["entity_id"])
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, log
}

type haCallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *haCallLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *haCallLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func TestHomeAssistantGetState(t *testing.T) {
	t.Parallel()
	srv, _ := newHATestServer(t, map[string]string{
		"switch.heater": "on",
		"switch.cooler": "off",
		"switch.flaky":  "unavailable",
	})
	ha := NewHomeAssistant(srv.URL, "test-token", time.Second, zap.NewNop())
	ctx := context.Background()

	on, known := ha.GetState(ctx, "switch.heater")
	assert.True(t, on)
	assert.True(t, known)

	on, known = ha.GetState(ctx, "switch.cooler")
	assert.False(t, on)
	assert.True(t, known)

	_, known = ha.GetState(ctx, "switch.flaky")
	assert.False(t, known, "unavailable entities give no usable state")

	_, known = ha.GetState(ctx, "switch.missing")
	assert.False(t, known)
}

func TestHomeAssistantSetState(t *testing.T) {
	t.Parallel()
	srv, log := newHATestServer(t, nil)
	ha := NewHomeAssistant(srv.URL, "test-token", time.Second, zap.NewNop())
	ctx := context.Background()

	assert.True(t, ha.SetState(ctx, "switch.heater", true))
	assert.True(t, ha.SetState(ctx, "switch.heater", false))
	assert.Equal(t, []string{
		"/api/services/switch/turn_on switch.heater",
		"/api/services/switch/turn_off switch.heater",
	}, log.all())

	assert.False(t, ha.SetState(ctx, "nodomain", true),
		"entity id without a domain cannot be routed to a service")
}

func TestHomeAssistantBadToken(t *testing.T) {
	t.Parallel()
	srv, _ := newHATestServer(t, map[string]string{"switch.heater": "on"})
	ha := NewHomeAssistant(srv.URL, "wrong-token", time.Second, zap.NewNop())
	ctx := context.Background()

	_, known := ha.GetState(ctx, "switch.heater")
	assert.False(t, known)
	assert.False(t, ha.SetState(ctx, "switch.heater", true))
	assert.False(t, ha.TestConnection(ctx))
}

func TestHomeAssistantReadSensor(t *testing.T) {
	t.Parallel()
	srv, _ := newHATestServer(t, map[string]string{
		"sensor.garage_temp": "18.4",
		"sensor.broken":      "unavailable",
	})
	ha := NewHomeAssistant(srv.URL, "test-token", time.Second, zap.NewNop())
	ctx := context.Background()

	value, err := ha.ReadSensor(ctx, "sensor.garage_temp")
	require.NoError(t, err)
	assert.InDelta(t, 18.4, value, 1e-9)

	_, err = ha.ReadSensor(ctx, "sensor.broken")
	assert.Error(t, err, "non-numeric state is not a sample")

	_, err = ha.ReadSensor(ctx, "sensor.missing")
	assert.Error(t, err)
}

func TestHomeAssistantUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	ha := NewHomeAssistant(srv.URL, "test-token", 200*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	_, known := ha.GetState(ctx, "switch.heater")
	assert.False(t, known)
	assert.False(t, ha.SetState(ctx, "switch.heater", true))
	assert.False(t, ha.TestConnection(ctx))
}

func TestHomeAssistantConnection(t *testing.T) {
	t.Parallel()
	srv, _ := newHATestServer(t, nil)
	ha := NewHomeAssistant(srv.URL, "test-token", time.Second, zap.NewNop())
	assert.True(t, ha.TestConnection(context.Background()))
}
