package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeGateway is an in-process gateway. respond is called for every decoded
// request and returns the frames to write back, in order.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	respond  func(req map[string]any) []any

	mu       sync.Mutex
	received []map[string]any
	conns    []*websocket.Conn
}

func newFakeGateway(t *testing.T, respond func(req map[string]any) []any) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		t:        t,
		upgrader: websocket.Upgrader{Subprotocols: []string{Subprotocol}},
		respond:  respond,
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		g.mu.Lock()
		g.received = append(g.received, req)
		g.mu.Unlock()

		for _, frame := range g.respond(req) {
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (g *fakeGateway) requests(kind string) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []map[string]any
	for _, r := range g.received {
		if r["janus"] == kind {
			out = append(out, r)
		}
	}
	return out
}

// dropConnections closes the server side of every connection.
func (g *fakeGateway) dropConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		_ = c.Close()
	}
}

func (g *fakeGateway) close() {
	g.dropConnections()
	g.srv.Close()
}

// janusLike answers the way a real gateway does for the session lifecycle.
func janusLike(req map[string]any) []any {
	tx := req["transaction"]
	switch req["janus"] {
	case KindCreate:
		return []any{map[string]any{"janus": KindSuccess, "transaction": tx, "data": map[string]any{"id": 1111}}}
	case KindAttach:
		return []any{map[string]any{"janus": KindSuccess, "transaction": tx, "data": map[string]any{"id": 2222}}}
	case KindKeepalive:
		return []any{map[string]any{"janus": KindAck, "transaction": tx}}
	case KindDestroy:
		return []any{map[string]any{"janus": KindSuccess, "transaction": tx}}
	case KindMessage:
		return []any{
			map[string]any{"janus": KindAck, "transaction": tx},
			map[string]any{
				"janus":       KindEvent,
				"transaction": tx,
				"sender":      2222,
				"plugindata":  map[string]any{"plugin": "janus.plugin.audiobridge", "data": map[string]any{"audiobridge": "joined"}},
			},
		}
	}
	return nil
}
