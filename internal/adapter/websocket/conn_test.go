package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/chanrelay/internal/domain"
)

// newTestConnPair returns a server-side Conn and the raw client end.
func newTestConnPair(t *testing.T, clock clockwork.Clock) (*Conn, *ws.Conn) {
	t.Helper()
	upgrader := NewUpgrader(func(r *http.Request) bool { return true })
	ready := make(chan *Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, upgrader, clock, 1024)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server := <-ready
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func receiveWithin(t *testing.T, c *Conn, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, err := c.Receive(context.Background())
		require.NoError(t, err)
		if data != nil {
			return data
		}
	}
	t.Fatal("no inbound message")
	return nil
}

func TestConn_SendReachesClient(t *testing.T) {
	server, client := newTestConnPair(t, clockwork.NewRealClock())

	require.NoError(t, server.Send([]byte("hello")))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, ws.TextMessage, kind)
	assert.Equal(t, "hello", string(data))
}

func TestConn_ReceiveReturnsClientMessage(t *testing.T) {
	server, client := newTestConnPair(t, clockwork.NewRealClock())

	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte("from client")))

	assert.Equal(t, "from client", string(receiveWithin(t, server, 2*time.Second)))
}

func TestConn_ReceiveTimesOutWithNothing(t *testing.T) {
	server, _ := newTestConnPair(t, clockwork.NewRealClock())

	data, err := server.Receive(context.Background())

	assert.NoError(t, err)
	assert.Nil(t, data)
	assert.True(t, server.IsOpen())
}

func TestConn_ReceiveHonoursContext(t *testing.T) {
	server, _ := newTestConnPair(t, clockwork.NewFakeClockAt(time.Now()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := server.Receive(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestConn_ClientCloseEndsConnection(t *testing.T) {
	server, client := newTestConnPair(t, clockwork.NewRealClock())

	_ = client.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "bye"))
	_ = client.Close()

	require.Eventually(t, func() bool { return !server.IsOpen() }, 2*time.Second, 5*time.Millisecond)

	_, err := server.Receive(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnClosed)
	assert.ErrorIs(t, server.Send([]byte("late")), domain.ErrConnClosed)
}

func TestConn_OversizedFrameClosesConnection(t *testing.T) {
	server, client := newTestConnPair(t, clockwork.NewRealClock())

	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte(strings.Repeat("x", 2048))))

	require.Eventually(t, func() bool { return !server.IsOpen() }, 2*time.Second, 5*time.Millisecond)
}

func TestConn_SendOnFullQueueIsSlowConsumer(t *testing.T) {
	c := &Conn{
		sendChannel: make(chan []byte, 1),
		doneChannel: make(chan struct{}),
	}

	require.NoError(t, c.Send([]byte("first")))
	assert.ErrorIs(t, c.Send([]byte("second")), domain.ErrSlowConsumer)
}

func TestConn_CloseIdempotent(t *testing.T) {
	server, _ := newTestConnPair(t, clockwork.NewRealClock())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = server.Close()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent close calls deadlocked")
	}
	assert.False(t, server.IsOpen())
}

func TestConn_CloseGracefulSendsReason(t *testing.T) {
	server, client := newTestConnPair(t, clockwork.NewRealClock())

	go server.CloseGraceful("server shutting down")

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()

	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "server shutting down", closeErr.Text)
}

func TestConn_PingsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	_, client := newTestConnPair(t, clock)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(pingInterval)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping after the ping interval")
	}
}
