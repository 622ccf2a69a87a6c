package stream_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"PerpVault/internal/stream"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func startHub(t *testing.T) (*stream.Hub, *observability.Metrics, *httptest.Server, func()) {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	hub := stream.NewHub(m, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	srv := httptest.NewServer(hub)
	return hub, m, srv, func() {
		cancel()
		require.NoError(t, <-done)
		srv.Close()
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func envelope(t *testing.T, seq int64, evt event.Event) *event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(seq, 0, "test", 1_700_000_000, evt)
	require.NoError(t, err)
	return env
}

func read(t *testing.T, conn *websocket.Conn) event.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env event.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_BroadcastsToClients(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub, m, srv, stop := startHub(t)
	defer stop()

	all := dial(t, srv, "")
	defer all.Close()
	swaps := dial(t, srv, "?types=Swap")
	defer swaps.Close()

	require.Eventually(t, func() bool { return promtest.ToFloat64(m.WSClients) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, hub.Broadcast(envelope(t, 1, &event.BuyUSDG{Account: "0xa11ce", Token: "0xe7h"})))
	require.True(t, hub.Broadcast(envelope(t, 2, &event.Swap{Account: "0xa11ce", TokenIn: "0xe7h", TokenOut: "0xda1"})))

	first := read(t, all)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, event.EventTypeBuyUSDG, first.EventType)
	assert.Equal(t, int64(2), read(t, all).Sequence)

	onlySwap := read(t, swaps)
	assert.Equal(t, int64(2), onlySwap.Sequence)
	assert.Equal(t, event.EventTypeSwap, onlySwap.EventType)
}

func TestHub_DisconnectsOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, m, srv, stop := startHub(t)

	conn := dial(t, srv, "")
	defer conn.Close()
	require.Eventually(t, func() bool { return promtest.ToFloat64(m.WSClients) == 1 }, 2*time.Second, 5*time.Millisecond)

	stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, float64(0), promtest.ToFloat64(m.WSClients))
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, m, srv, stop := startHub(t)
	defer stop()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return promtest.ToFloat64(m.WSClients) == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return promtest.ToFloat64(m.WSClients) == 0 }, 2*time.Second, 5*time.Millisecond)
}
