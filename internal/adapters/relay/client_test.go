package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/metrics"
)

// fakeRelay records every frame and lets the test push frames to the client.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []map[string]any
	conn     *websocket.Conn
	ready    chan struct{}
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{ready: make(chan struct{})}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		close(r.ready)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				r.mu.Lock()
				r.received = append(r.received, msg)
				r.mu.Unlock()
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func (r *fakeRelay) push(t *testing.T, frame string) {
	t.Helper()
	<-r.ready
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NoError(t, r.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (r *fakeRelay) drop() {
	<-r.ready
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.conn.Close()
}

func (r *fakeRelay) frames() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.received...)
}

func next(t *testing.T, c *Client) core.RelayInbound {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no relay event")
		return nil
	}
}

func TestClientEmitBeforeConnect(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1")
	assert.False(t, c.Connected())
	require.ErrorIs(t, c.Emit(context.Background(), core.JoinRoom{RoomID: "r1"}), ErrNotConnected)
}

func TestClientConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.ErrorIs(t, c.Connect(context.Background()), ErrConnect)
	assert.False(t, c.Connected())
}

func TestClientEmitWritesFrame(t *testing.T) {
	r := newFakeRelay(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := NewClient(r.url(), WithMetrics(m))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	assert.True(t, c.Connected())

	require.NoError(t, c.Emit(context.Background(), core.JoinRoom{RoomID: "r1"}))
	require.Eventually(t, func() bool { return len(r.frames()) == 1 }, time.Second, 5*time.Millisecond)

	got := r.frames()[0]
	assert.Equal(t, "join_room", got["event"])
	assert.Equal(t, map[string]any{"room_id": "r1"}, got["data"])
	n, err := testutil.GatherAndCount(reg, "audiolink_signal_relay_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClientDeliversInboundEvents(t *testing.T) {
	r := newFakeRelay(t)
	c := NewClient(r.url())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	r.push(t, `{"event":"status","data":"joined"}`)
	r.push(t, `{"event":"chat","data":{}}`)
	r.push(t, `{"event":"answer","data":{"client_id":"peer-a","sdp":"v=0","type":"answer"}}`)

	assert.Equal(t, core.Status{Message: "joined"}, next(t, c))
	// unknown events are skipped
	assert.Equal(t, core.RemoteAnswer{ClientID: "peer-a", SDP: "v=0", Type: webrtc.SDPTypeAnswer}, next(t, c))
}

func TestClientRelayDisconnectEndsStream(t *testing.T) {
	r := newFakeRelay(t)
	c := NewClient(r.url())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	r.push(t, `{"event":"disconnect","data":{"reason":"room closed"}}`)

	assert.Equal(t, core.Disconnect{Reason: "room closed"}, next(t, c))
	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.False(t, c.Connected())
}

func TestClientTransportDropSynthesizesDisconnect(t *testing.T) {
	r := newFakeRelay(t)
	c := NewClient(r.url())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	r.drop()

	ev := next(t, c)
	assert.IsType(t, core.Disconnect{}, ev)
	assert.Eventually(t, func() bool { return !c.Connected() }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, c.Emit(context.Background(), core.JoinRoom{RoomID: "r1"}), ErrNotConnected)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	r := newFakeRelay(t)
	c := NewClient(r.url())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, c.Connect(context.Background()), ErrConnect)
}
