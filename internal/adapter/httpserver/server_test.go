package httpserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/chanrelay/internal/adapter/metrics"
	"github.com/pscheid92/chanrelay/internal/broadcast"
	"github.com/pscheid92/chanrelay/internal/channel"
	"github.com/pscheid92/chanrelay/internal/domain"
	"github.com/pscheid92/chanrelay/internal/handler"
	"github.com/pscheid92/chanrelay/internal/platform/config"
)

type published struct {
	payload string
	path    string
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []published
}

func (p *recordingPublisher) Publish(payload []byte, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{payload: string(payload), path: path})
}

func (p *recordingPublisher) Calls() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.calls...)
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "development",
		AppURL:                  "http://localhost:8080",
		Port:                    "0",
		MaxMessageBytes:         1024,
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     100,
		ConnectionRatePerIP:     100,
		ConnectionRateBurst:     100,
		PublishRatePerIP:        100,
		PublishRateBurst:        100,
	}
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) { s.healthChecks = checks }
}

// newTestServer builds a server whose websocket clients publish through
// publisher. A nil publisher delivers in-process through a dispatcher.
func newTestServer(t *testing.T, publisher domain.Publisher, opts ...func(*Server)) *Server {
	return newTestServerWithConfig(t, testConfig(), publisher, opts...)
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config, publisher domain.Publisher, opts ...func(*Server)) *Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	registry := channel.NewRegistry(clockwork.NewRealClock())
	if publisher == nil {
		publisher = broadcast.NewDispatcher(registry, metrics.NewDispatchMetrics(reg))
	}
	return buildServer(t, cfg, registry, publisher, reg, opts...)
}

func buildServer(t *testing.T, cfg *config.Config, registry *channel.Registry, publisher domain.Publisher, reg *prometheus.Registry, opts ...func(*Server)) *Server {
	t.Helper()

	wsMetrics := metrics.NewWebSocketMetrics(reg)
	srv := NewServer(cfg, Dependencies{
		Registry:    registry,
		Publisher:   publisher,
		Handler:     handler.New(registry, publisher, wsMetrics, handler.WithMaxMessageBytes(cfg.MaxMessageBytes)),
		Clock:       clockwork.NewRealClock(),
		Metrics:     metrics.Handler(reg),
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
		WSMetrics:   wsMetrics,
	})
	for _, opt := range opts {
		opt(srv)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

// serveHTTP exposes srv on a loopback listener and returns its ws:// base URL.
func serveHTTP(t *testing.T, srv *Server) string {
	t.Helper()
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *ws.Conn {
	t.Helper()
	client, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitForConnections(t *testing.T, registry *channel.Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return registry.Stats().Connections == n
	}, 2*time.Second, 5*time.Millisecond)
}

func readText(t *testing.T, client *ws.Conn) string {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	return string(data)
}
