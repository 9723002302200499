package orch

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/domain"
	"github.com/dkeye/audiolink/internal/metrics"
)

// Negotiation events.
const (
	evOfferSent     = "offer_sent"
	evAnswerArrived = "answer_arrived"
	evOfferArrived  = "offer_arrived"
	evAnswerSent    = "answer_sent"
	evClose         = "close"
)

// peerEntry is one tracked remote party. mu serializes negotiation steps on
// this peer only; other peers proceed independently.
type peerEntry struct {
	id   domain.PeerID
	conn core.MediaConnection
	fsm  *fsm.FSM
	mu   sync.Mutex

	// Remote candidates that arrive before the remote description wait in
	// early. Both fields are guarded by mu.
	remoteSet bool
	early     []webrtc.ICECandidateInit

	// Local candidates gathered before our offer or answer went out wait in
	// gathered. iceMu is separate from mu because the engine reports
	// candidates while a negotiation step holds mu.
	iceMu    sync.Mutex
	signaled bool
	gathered []webrtc.ICECandidateInit
}

func newPeerFSM(peer domain.PeerID, m *metrics.Metrics) *fsm.FSM {
	absent := string(domain.PeerAbsent)
	offering := string(domain.PeerOffering)
	answering := string(domain.PeerAnswering)
	connected := string(domain.PeerConnected)
	closed := string(domain.PeerClosed)

	return fsm.NewFSM(
		absent,
		fsm.Events{
			{Name: evOfferSent, Src: []string{absent}, Dst: offering},
			{Name: evAnswerArrived, Src: []string{offering}, Dst: connected},
			{Name: evOfferArrived, Src: []string{absent}, Dst: answering},
			{Name: evAnswerSent, Src: []string{answering}, Dst: connected},
			{Name: evClose, Src: []string{absent, offering, answering, connected}, Dst: closed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.PeerTransition(e.Src, e.Dst)
				log.Info().
					Str("module", "orch").
					Str("peer", string(peer)).
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("peer state")
			},
		},
	)
}

func (p *peerEntry) state() domain.PeerState {
	return domain.PeerState(p.fsm.Current())
}

// fire applies a transition the caller already checked with Can.
func (p *peerEntry) fire(ctx context.Context, event string) {
	if err := p.fsm.Event(ctx, event); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(p.id)).Str("event", event).Msg("transition refused")
	}
}

// shut moves the entry to closed and releases its connection.
func (p *peerEntry) shut() {
	if p.fsm.Can(evClose) {
		p.fire(context.Background(), evClose)
	}
	if p.conn == nil {
		return
	}
	if err := p.conn.Close(); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(p.id)).Msg("close connection")
	}
}
