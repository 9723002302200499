package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/domain"
)

var errBoom = errors.New("boom")

type fakeConn struct {
	peer domain.PeerID

	mu          sync.Mutex
	sources     int
	remote      *webrtc.SessionDescription
	local       *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	onICE       func(webrtc.ICECandidateInit)
	closed      int
	failRemote  bool
	failOffer   bool
	failAddCand bool
	// gatherOnSetLocal is reported as a local candidate from inside
	// SetLocalDescription, the way the engine may do while gathering.
	gatherOnSetLocal string
}

func (c *fakeConn) AddLocalSource() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources++
	return nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	if c.failOffer {
		return webrtc.SessionDescription{}, errBoom
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-for-" + string(c.peer)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + string(c.peer)}, nil
}

func (c *fakeConn) SetLocalDescription(_ context.Context, sd webrtc.SessionDescription) error {
	c.mu.Lock()
	c.local = &sd
	early := c.gatherOnSetLocal
	c.mu.Unlock()
	if early != "" {
		c.gather(early)
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRemote {
		return errBoom
	}
	c.remote = &sd
	return nil
}

func (c *fakeConn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAddCand {
		return errBoom
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// gather simulates the engine discovering a local candidate.
func (c *fakeConn) gather(candidate string) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

type fakeEngine struct {
	mu    sync.Mutex
	conns map[domain.PeerID][]*fakeConn
	fail  map[domain.PeerID]bool
	// tune adjusts a connection before it is handed out
	tune func(*fakeConn)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{conns: map[domain.PeerID][]*fakeConn{}, fail: map[domain.PeerID]bool{}}
}

func (e *fakeEngine) NewConnection(peer domain.PeerID) (core.MediaConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail[peer] {
		return nil, errBoom
	}
	c := &fakeConn{peer: peer}
	if e.tune != nil {
		e.tune(c)
	}
	e.conns[peer] = append(e.conns[peer], c)
	return c, nil
}

func (e *fakeEngine) created(peer domain.PeerID) []*fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeConn(nil), e.conns[peer]...)
}

type fakeRelay struct {
	mu        sync.Mutex
	connected bool
	emitted   []core.RelayEvent
	failEmit  func(core.RelayEvent) error
}

func (r *fakeRelay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRelay) Emit(_ context.Context, ev core.RelayEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failEmit != nil {
		if err := r.failEmit(ev); err != nil {
			return err
		}
	}
	r.emitted = append(r.emitted, ev)
	return nil
}

// names lists emitted event names in order.
func (r *fakeRelay) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.emitted))
	for _, ev := range r.emitted {
		out = append(out, ev.EventName())
	}
	return out
}

func (r *fakeRelay) named(name string) []core.RelayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.RelayEvent
	for _, ev := range r.emitted {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}
