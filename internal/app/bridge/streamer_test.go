package bridge

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/audiolink/internal/adapters/rtc"
	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/domain"
	"github.com/dkeye/audiolink/internal/gateway"
)

// localEngine builds real pion connections without ICE servers.
func localEngine(t *testing.T) core.MediaEngine {
	t.Helper()
	e, err := rtc.NewEngine(rtc.EngineConfig{})
	require.NoError(t, err)
	return e
}

// audiobridge is an in-process gateway whose audiobridge plugin offers audio
// on join.
type audiobridge struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []map[string]any
	// joinEvent is the plugin payload of the join reply.
	joinEvent map[string]any
	withOffer bool
	offer     webrtc.SessionDescription
}

func newAudiobridge(t *testing.T) *audiobridge {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	b := &audiobridge{
		offer:     offer,
		withOffer: true,
		joinEvent: map[string]any{"audiobridge": "joined", "room": 1234, "id": 42},
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{gateway.Subprotocol}}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			b.mu.Lock()
			b.received = append(b.received, req)
			b.mu.Unlock()
			for _, frame := range b.reply(req) {
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *audiobridge) url() string { return "ws" + strings.TrimPrefix(b.srv.URL, "http") }

func (b *audiobridge) reply(req map[string]any) []any {
	tx := req["transaction"]
	switch req["janus"] {
	case gateway.KindCreate:
		return []any{map[string]any{"janus": "success", "transaction": tx, "data": map[string]any{"id": 1111}}}
	case gateway.KindAttach:
		return []any{map[string]any{"janus": "success", "transaction": tx, "data": map[string]any{"id": 2222}}}
	case gateway.KindKeepalive:
		return []any{map[string]any{"janus": "ack", "transaction": tx}}
	case gateway.KindDestroy:
		return []any{map[string]any{"janus": "success", "transaction": tx}}
	case gateway.KindMessage:
		b.mu.Lock()
		defer b.mu.Unlock()
		event := map[string]any{
			"janus":       "event",
			"transaction": tx,
			"sender":      2222,
			"plugindata":  map[string]any{"plugin": Plugin, "data": b.joinEvent},
		}
		body, _ := req["body"].(map[string]any)
		if body["request"] == "join" && b.withOffer {
			event["jsep"] = map[string]any{"type": "offer", "sdp": b.offer.SDP}
		}
		if body["request"] != "join" {
			event["plugindata"] = map[string]any{"plugin": Plugin, "data": map[string]any{"audiobridge": "event", "result": "ok"}}
		}
		return []any{map[string]any{"janus": "ack", "transaction": tx}, event}
	}
	return nil
}

func (b *audiobridge) requests(kind string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, r := range b.received {
		if r["janus"] == kind {
			out = append(out, r)
		}
	}
	return out
}

func newStreamer(t *testing.T, b *audiobridge, hold time.Duration) *Streamer {
	session := gateway.NewSession(gateway.NewMessenger(b.url()), gateway.WithKeepaliveInterval(time.Second))
	return NewStreamer(session, localEngine(t), Config{Room: 1234, Hold: hold})
}

func TestStreamerAnswersAudiobridgeOffer(t *testing.T) {
	b := newAudiobridge(t)
	s := newStreamer(t, b, 0)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, domain.SessionInfo{ID: 1111, Handles: []domain.HandleID{2222}}, s.Session())

	msgs := b.requests(gateway.KindMessage)
	require.Len(t, msgs, 2)

	join := msgs[0]
	assert.EqualValues(t, 2222, join["handle_id"])
	assert.EqualValues(t, 1111, join["session_id"])
	assert.Equal(t, map[string]any{"request": "join", "room": 1234.0, "display": DefaultDisplay, "audio": true}, join["body"])
	assert.NotContains(t, join, "jsep")

	answer := msgs[1]
	jsep, ok := answer["jsep"].(map[string]any)
	require.True(t, ok, "answer message carries jsep")
	assert.Equal(t, "answer", jsep["type"])
	assert.NotEmpty(t, jsep["sdp"])
	assert.Contains(t, jsep["sdp"], "PCMU")
	assert.Contains(t, jsep["sdp"], "a=candidate:", "answer carries gathered candidates")
	assert.Empty(t, b.requests("trickle"))

	require.NoError(t, s.Stop(context.Background()))
	assert.Len(t, b.requests(gateway.KindDestroy), 1)
	assert.Zero(t, s.Session().ID)
}

func TestStreamerRunHoldsThenTearsDown(t *testing.T) {
	b := newAudiobridge(t)
	s := newStreamer(t, b, 30*time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Len(t, b.requests(gateway.KindDestroy), 1)
}

func TestStreamerRunStopsOnContext(t *testing.T) {
	b := newAudiobridge(t)
	s := newStreamer(t, b, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(b.requests(gateway.KindMessage)) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, b.requests(gateway.KindDestroy), 1)
}

func TestStreamerJoinWithoutOffer(t *testing.T) {
	b := newAudiobridge(t)
	b.withOffer = false
	s := newStreamer(t, b, 0)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrNoOffer)
	assert.Len(t, b.requests(gateway.KindMessage), 1)
	assert.Len(t, b.requests(gateway.KindDestroy), 1)
}

func TestStreamerJoinRejected(t *testing.T) {
	b := newAudiobridge(t)
	b.joinEvent = map[string]any{"audiobridge": "event", "error_code": 485, "error": "No such room (1234)"}
	s := newStreamer(t, b, 0)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrJoinRejected)
	assert.Contains(t, err.Error(), "485")
	assert.Len(t, b.requests(gateway.KindDestroy), 1)
}

func TestStreamerStartTwice(t *testing.T) {
	b := newAudiobridge(t)
	s := newStreamer(t, b, 0)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestStreamerStopWithoutStart(t *testing.T) {
	b := newAudiobridge(t)
	s := newStreamer(t, b, 0)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, b.requests(gateway.KindDestroy))
}

func TestJoinErrorDecodesPluginData(t *testing.T) {
	data, err := json.Marshal(map[string]any{"audiobridge": "joined", "room": 1234})
	require.NoError(t, err)
	ok := &gateway.Reply{Kind: gateway.KindEvent, PluginData: &gateway.PluginData{Plugin: Plugin, Data: data}}
	assert.NoError(t, joinError(ok))

	gw := &gateway.Reply{Kind: gateway.KindError, Error: &gateway.GatewayError{Code: 458, Reason: "No such session"}}
	var gwErr *gateway.GatewayError
	require.ErrorAs(t, joinError(gw), &gwErr)
}
