// Package domain contains identifiers and states without logic, just meta-data
package domain

import "errors"

const MaxPeerIDLen = 64

var (
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrPeerIDTooLong = errors.New("peer id too long")
)

// PeerID identifies a remote party on the relay channel.
type PeerID string

func NewPeerID(raw string) (PeerID, error) {
	if len(raw) == 0 {
		return "", ErrPeerIDEmpty
	}
	if len(raw) > MaxPeerIDLen {
		return "", ErrPeerIDTooLong
	}
	return PeerID(raw), nil
}

// PeerState is the negotiation state of one remote party.
type PeerState string

const (
	PeerAbsent    PeerState = "absent"
	PeerOffering  PeerState = "offering"
	PeerAnswering PeerState = "answering"
	PeerConnected PeerState = "connected"
	PeerClosed    PeerState = "closed"
)

// PeerInfo is a read-only view of a registry entry for APIs.
type PeerInfo struct {
	ID    PeerID    `json:"id"`
	State PeerState `json:"state"`
}
