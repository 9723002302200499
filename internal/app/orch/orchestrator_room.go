package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/domain"
)

// JoinRoom joins the configured room. Nothing is negotiated before it succeeds.
func (o *Orchestrator) JoinRoom(ctx context.Context) error {
	if o.Relay == nil || !o.Relay.Connected() {
		return fmt.Errorf("%w: relay channel not connected", ErrRoomJoin)
	}
	if err := o.Relay.Emit(ctx, core.JoinRoom{RoomID: o.RoomID}); err != nil {
		return fmt.Errorf("%w: %w", ErrRoomJoin, err)
	}
	o.mu.Lock()
	o.joined = true
	o.mu.Unlock()
	log.Info().Str("module", "orch").Str("room", string(o.RoomID)).Str("host", o.HostID).Msg("joined room")
	return nil
}

// OfferAll initiates negotiation with every listed peer. A failing peer is
// logged and skipped.
func (o *Orchestrator) OfferAll(ctx context.Context, peers []domain.PeerID) int {
	n := 0
	for _, peer := range peers {
		if err := o.Initiate(ctx, peer); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("peer", string(peer)).Msg("initial offer")
			continue
		}
		n++
	}
	return n
}

// OnDisconnect closes every tracked connection and empties the registry.
// The room has to be joined again before negotiating.
func (o *Orchestrator) OnDisconnect() {
	o.mu.Lock()
	entries := make([]*peerEntry, 0, len(o.peers))
	for _, p := range o.peers {
		entries = append(entries, p)
	}
	clear(o.peers)
	o.joined = false
	o.Metrics.PeersActive(0)
	o.mu.Unlock()
	o.Offers.Forget()

	for _, p := range entries {
		p.mu.Lock()
		p.shut()
		p.mu.Unlock()
	}
	log.Info().Str("module", "orch").Str("room", string(o.RoomID)).Int("closed", len(entries)).Msg("disconnected")
}
