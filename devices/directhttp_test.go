package devices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// plugHost strips the scheme: DirectHTTP identifiers are bare hosts.
func plugHost(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestSplitPlugID(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		id      string
		host    string
		channel int
	}{
		{"192.168.1.40", "192.168.1.40", 0},
		{"192.168.1.40/1", "192.168.1.40", 1},
		{"plug.local/2", "plug.local", 2},
		{"plug.local/bogus", "plug.local", 0},
	} {
		host, ch := splitPlugID(tc.id)
		assert.Equal(t, tc.host, host, tc.id)
		assert.Equal(t, tc.channel, ch, tc.id)
	}
}

func TestDirectHTTPModernAPI(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var paths []string

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/Switch.GetStatus", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Write([]byte(`{"id":0,"output":true}`))
	})
	mux.HandleFunc("/rpc/Switch.Set", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		w.Write([]byte(`{"was_on":false}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDirectHTTP(time.Second, zap.NewNop())
	ctx := context.Background()

	on, known := d.GetState(ctx, plugHost(srv))
	assert.True(t, on)
	assert.True(t, known)

	assert.True(t, d.SetState(ctx, plugHost(srv)+"/0", true))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/rpc/Switch.GetStatus",
		"/rpc/Switch.Set?id=0&on=true",
	}, paths, "the legacy endpoints are never touched when RPC answers")
}

func TestDirectHTTPLegacyFallback(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var legacyCalls []string

	mux := http.NewServeMux()
	// Gen1 firmware: the RPC endpoints do not exist.
	mux.HandleFunc("/relay/1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		call := r.URL.Path
		if r.URL.RawQuery != "" {
			call += "?" + r.URL.RawQuery
		}
		legacyCalls = append(legacyCalls, call)
		mu.Unlock()
		w.Write([]byte(`{"ison":true,"has_timer":false}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDirectHTTP(time.Second, zap.NewNop())
	ctx := context.Background()

	on, known := d.GetState(ctx, plugHost(srv)+"/1")
	assert.True(t, on)
	assert.True(t, known)

	assert.True(t, d.SetState(ctx, plugHost(srv)+"/1", false))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/relay/1", "/relay/1?turn=off"}, legacyCalls)
}

func TestDirectHTTPUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	d := NewDirectHTTP(200*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	_, known := d.GetState(ctx, plugHost(srv))
	assert.False(t, known)
	assert.False(t, d.SetState(ctx, plugHost(srv), true))
}

func TestDirectHTTPGarbageResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	d := NewDirectHTTP(time.Second, zap.NewNop())
	_, known := d.GetState(context.Background(), plugHost(srv))
	assert.False(t, known)
}
