package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/audiolink/internal/domain"
)

// Outbound relay events.

type JoinRoom struct {
	RoomID domain.RoomID `json:"room_id"`
}

type OfferEvent struct {
	SDP      string         `json:"sdp"`
	Type     webrtc.SDPType `json:"type"`
	ClientID domain.PeerID  `json:"client_id"`
	RoomID   domain.RoomID  `json:"room_id"`
}

type AnswerEvent struct {
	HostSID domain.PeerID  `json:"host_sid"`
	SDP     string         `json:"sdp"`
	Type    webrtc.SDPType `json:"type"`
	RoomID  domain.RoomID  `json:"room_id"`
}

type IceCandidateEvent struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	ClientID  domain.PeerID           `json:"client_id"`
	RoomID    domain.RoomID           `json:"room_id"`
}

func (JoinRoom) EventName() string          { return "join_room" }
func (OfferEvent) EventName() string        { return "offer" }
func (AnswerEvent) EventName() string       { return "answer" }
func (IceCandidateEvent) EventName() string { return "ice_candidate" }

// RelayInbound is a message received from the relay. The set is closed:
// Status, RemoteAnswer, RemoteOffer, RemoteCandidate and Disconnect.
type RelayInbound interface {
	relayInbound()
}

type Status struct {
	Message string `json:"message"`
}

// RemoteAnswer answers an offer we sent to ClientID.
type RemoteAnswer struct {
	ClientID domain.PeerID  `json:"client_id"`
	SDP      string         `json:"sdp"`
	Type     webrtc.SDPType `json:"type"`
}

// RemoteOffer is an offer from a party we have not negotiated with yet.
type RemoteOffer struct {
	ClientID domain.PeerID  `json:"client_id"`
	SDP      string         `json:"sdp"`
	Type     webrtc.SDPType `json:"type"`
}

type RemoteCandidate struct {
	ClientID  domain.PeerID           `json:"client_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Disconnect is sent by the relay, or synthesized when the channel drops.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

func (Status) relayInbound()          {}
func (RemoteAnswer) relayInbound()    {}
func (RemoteOffer) relayInbound()     {}
func (RemoteCandidate) relayInbound() {}
func (Disconnect) relayInbound()      {}

func (a RemoteAnswer) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: a.Type, SDP: a.SDP}
}

func (o RemoteOffer) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: o.Type, SDP: o.SDP}
}
