package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/domain"
)

// Initiate offers a local audio source to peer. Only valid for an unknown peer.
func (o *Orchestrator) Initiate(ctx context.Context, peer domain.PeerID) error {
	p, err := o.reserve(peer)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn, err = o.Media.NewConnection(peer); err != nil {
		return o.fail(p, "connect", err)
	}
	if err := p.conn.AddLocalSource(); err != nil {
		return o.fail(p, "source", err)
	}
	o.bindICE(p)

	offer, err := p.conn.CreateOffer()
	if err != nil {
		return o.fail(p, "offer", err)
	}
	if err := p.conn.SetLocalDescription(ctx, offer); err != nil {
		return o.fail(p, "offer", err)
	}
	local := localOr(p.conn, offer)

	// enter offering before the offer leaves so a fast answer finds us ready
	p.fire(ctx, evOfferSent)
	err = o.Relay.Emit(ctx, core.OfferEvent{
		SDP:      local.SDP,
		Type:     local.Type,
		ClientID: peer,
		RoomID:   o.RoomID,
	})
	if err != nil {
		return o.fail(p, "offer", err)
	}
	o.flushLocal(p)
	return nil
}

// OnAnswer completes an offer we sent. Answers for unknown peers or peers not
// in offering are dropped without touching the registry.
func (o *Orchestrator) OnAnswer(ctx context.Context, peer domain.PeerID, sd webrtc.SessionDescription) error {
	p := o.lookup(peer)
	if p == nil {
		return o.violation("answer", peer, domain.PeerAbsent)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fsm.Can(evAnswerArrived) {
		return o.violation("answer", peer, p.state())
	}
	if err := o.applyRemote(p, sd); err != nil {
		return o.fail(p, "answer", err)
	}
	p.fire(ctx, evAnswerArrived)
	return nil
}

// OnIncomingOffer answers first contact from peer.
func (o *Orchestrator) OnIncomingOffer(ctx context.Context, peer domain.PeerID, sd webrtc.SessionDescription) error {
	if !o.Offers.Allow(peer) {
		return o.violation("candidates_rate", peer, domain.PeerAbsent)
	}
	p, err := o.reserve(peer)
	switch {
	case errors.Is(err, ErrPeerExists):
		existing := o.lookup(peer)
		state := domain.PeerAbsent
		if existing != nil {
			state = existing.state()
		}
		return o.violation("candidates", peer, state)
	case err != nil:
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fire(ctx, evOfferArrived)

	if p.conn, err = o.Media.NewConnection(peer); err != nil {
		return o.fail(p, "connect", err)
	}
	o.bindICE(p)

	if err := o.applyRemote(p, sd); err != nil {
		return o.fail(p, "remote offer", err)
	}
	answer, err := p.conn.CreateAnswer()
	if err != nil {
		return o.fail(p, "answer", err)
	}
	if err := p.conn.SetLocalDescription(ctx, answer); err != nil {
		return o.fail(p, "answer", err)
	}
	local := localOr(p.conn, answer)

	err = o.Relay.Emit(ctx, core.AnswerEvent{
		HostSID: peer,
		SDP:     local.SDP,
		Type:    local.Type,
		RoomID:  o.RoomID,
	})
	if err != nil {
		return o.fail(p, "answer", err)
	}
	p.fire(ctx, evAnswerSent)
	o.flushLocal(p)
	return nil
}

// OnRemoteCandidate applies a trickled candidate to a tracked peer.
func (o *Orchestrator) OnRemoteCandidate(peer domain.PeerID, c webrtc.ICECandidateInit) error {
	p := o.lookup(peer)
	if p == nil {
		return o.violation("ice_candidate", peer, domain.PeerAbsent)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.state() == domain.PeerClosed {
		return o.violation("ice_candidate", peer, p.state())
	}
	if !p.remoteSet {
		p.early = append(p.early, c)
		log.Debug().Str("module", "orch").Str("peer", string(peer)).Str("candidate", c.Candidate).Msg("candidate queued until remote description")
		return nil
	}
	// a rejected candidate leaves the connection alone
	if err := p.conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate for %s: %w", peer, err)
	}
	return nil
}

// applyRemote sets the remote description and then the candidates that
// arrived ahead of it. Called with p.mu held.
func (o *Orchestrator) applyRemote(p *peerEntry, sd webrtc.SessionDescription) error {
	if err := p.conn.SetRemoteDescription(sd); err != nil {
		return err
	}
	p.remoteSet = true
	early := p.early
	p.early = nil
	for _, c := range early {
		if err := p.conn.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("peer", string(p.id)).Str("candidate", c.Candidate).Msg("queued candidate rejected")
		}
	}
	return nil
}

// bindICE relays every local candidate of p tagged with the peer and room.
// Candidates found before the offer or answer is out are held back until
// flushLocal, so the remote side never sees them ahead of the description.
func (o *Orchestrator) bindICE(p *peerEntry) {
	p.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		p.iceMu.Lock()
		if !p.signaled {
			p.gathered = append(p.gathered, c)
			p.iceMu.Unlock()
			return
		}
		p.iceMu.Unlock()
		o.emitCandidate(p.id, c)
	})
}

// flushLocal marks p's description as sent and relays the held candidates.
func (o *Orchestrator) flushLocal(p *peerEntry) {
	p.iceMu.Lock()
	p.signaled = true
	held := p.gathered
	p.gathered = nil
	p.iceMu.Unlock()
	for _, c := range held {
		o.emitCandidate(p.id, c)
	}
}

func (o *Orchestrator) emitCandidate(peer domain.PeerID, c webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	err := o.Relay.Emit(ctx, core.IceCandidateEvent{Candidate: c, ClientID: peer, RoomID: o.RoomID})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("peer", string(peer)).Str("phase", "ice").Msg("relay candidate")
		return
	}
	log.Debug().Str("module", "orch").Str("peer", string(peer)).Str("candidate", c.Candidate).Msg("local candidate")
}

func localOr(conn core.MediaConnection, sd webrtc.SessionDescription) webrtc.SessionDescription {
	if ld := conn.LocalDescription(); ld != nil {
		return *ld
	}
	return sd
}
