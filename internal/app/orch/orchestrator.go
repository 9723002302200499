// Package orch drives offer/answer/ICE negotiation with remote parties over
// the relay channel. Each remote party has its own state machine:
//
//	absent -> offering -> connected      (we offered)
//	absent -> answering -> connected     (they offered)
//	any    -> closed                     (disconnect)
package orch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/domain"
	"github.com/dkeye/audiolink/internal/metrics"
)

var (
	ErrRoomJoin          = errors.New("room join failed")
	ErrNotJoined         = errors.New("room not joined")
	ErrPeerExists        = errors.New("peer already tracked")
	ErrProtocolViolation = errors.New("protocol violation")
)

// emitTimeout bounds relay writes issued from media callbacks, which have no
// caller context.
const emitTimeout = 5 * time.Second

type Orchestrator struct {
	RoomID  domain.RoomID
	HostID  string
	Media   core.MediaEngine
	Relay   core.RelayChannel
	Metrics *metrics.Metrics
	// Offers throttles incoming offers per peer; nil disables throttling.
	Offers *OfferLimiter

	mu     sync.Mutex
	joined bool
	peers  map[domain.PeerID]*peerEntry
}

func New(room domain.RoomID, hostID string, media core.MediaEngine, relay core.RelayChannel, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		RoomID:  room,
		HostID:  hostID,
		Media:   media,
		Relay:   relay,
		Metrics: m,
		peers:   make(map[domain.PeerID]*peerEntry),
	}
}

// Peers returns a snapshot of the registry ordered by peer id.
func (o *Orchestrator) Peers() []domain.PeerInfo {
	o.mu.Lock()
	entries := make([]*peerEntry, 0, len(o.peers))
	for _, p := range o.peers {
		entries = append(entries, p)
	}
	o.mu.Unlock()

	out := make([]domain.PeerInfo, 0, len(entries))
	for _, p := range entries {
		out = append(out, domain.PeerInfo{ID: p.id, State: p.state()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (o *Orchestrator) Joined() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.joined
}

// Run dispatches relay events until the channel closes or ctx is done.
func (o *Orchestrator) Run(ctx context.Context, events <-chan core.RelayInbound) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.dispatch(ctx, ev)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev core.RelayInbound) {
	var err error
	switch ev := ev.(type) {
	case core.Status:
		log.Info().Str("module", "orch").Str("room", string(o.RoomID)).Str("status", ev.Message).Msg("relay status")
	case core.RemoteAnswer:
		err = o.OnAnswer(ctx, ev.ClientID, ev.Description())
	case core.RemoteOffer:
		err = o.OnIncomingOffer(ctx, ev.ClientID, ev.Description())
	case core.RemoteCandidate:
		err = o.OnRemoteCandidate(ev.ClientID, ev.Candidate)
	case core.Disconnect:
		log.Info().Str("module", "orch").Str("reason", ev.Reason).Msg("relay disconnect")
		o.OnDisconnect()
	}
	// failures are per peer; the loop keeps serving the others
	if err != nil && !errors.Is(err, ErrProtocolViolation) {
		log.Error().Err(err).Str("module", "orch").Msg("relay event failed")
	}
}

// lookup returns the entry for peer, or nil.
func (o *Orchestrator) lookup(peer domain.PeerID) *peerEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peers[peer]
}

// reserve inserts a fresh absent entry for peer. Check and insert happen in
// one critical section so two callers can never both own the same peer.
func (o *Orchestrator) reserve(peer domain.PeerID) (*peerEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.joined {
		return nil, ErrNotJoined
	}
	if _, ok := o.peers[peer]; ok {
		return nil, ErrPeerExists
	}
	p := &peerEntry{id: peer, fsm: newPeerFSM(peer, o.Metrics)}
	o.peers[peer] = p
	o.Metrics.PeersActive(len(o.peers))
	return p, nil
}

// drop removes p from the registry if it is still the tracked entry and shuts it.
func (o *Orchestrator) drop(p *peerEntry) {
	o.mu.Lock()
	if o.peers[p.id] == p {
		delete(o.peers, p.id)
	}
	o.Metrics.PeersActive(len(o.peers))
	o.mu.Unlock()
	p.shut()
}

func (o *Orchestrator) violation(event string, peer domain.PeerID, state domain.PeerState) error {
	o.Metrics.ProtocolViolation(event)
	log.Warn().
		Str("module", "orch").
		Str("event", event).
		Str("peer", string(peer)).
		Str("state", string(state)).
		Msg("out-of-state relay message dropped")
	return ErrProtocolViolation
}

// fail logs a negotiation failure for one peer and forgets it.
func (o *Orchestrator) fail(p *peerEntry, phase string, err error) error {
	log.Error().Err(err).
		Str("module", "orch").
		Str("peer", string(p.id)).
		Str("room", string(o.RoomID)).
		Str("phase", phase).
		Msg("negotiation failed")
	o.drop(p)
	return err
}
