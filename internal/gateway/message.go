package gateway

import (
	"encoding/json"

	"github.com/dkeye/audiolink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Request kinds.
const (
	KindCreate    = "create"
	KindAttach    = "attach"
	KindMessage   = "message"
	KindKeepalive = "keepalive"
	KindDestroy   = "destroy"
)

// Reply kinds.
const (
	KindSuccess = "success"
	KindAck     = "ack"
	KindEvent   = "event"
	KindError   = "error"
)

// Request is the outgoing gateway envelope. Transaction and SessionID are
// stamped by the Messenger and the Session; callers leave them empty.
type Request struct {
	Kind        string                     `json:"janus"`
	Transaction string                     `json:"transaction"`
	SessionID   domain.SessionID           `json:"session_id,omitempty"`
	HandleID    domain.HandleID            `json:"handle_id,omitempty"`
	Plugin      string                     `json:"plugin,omitempty"`
	Body        any                        `json:"body,omitempty"`
	JSEP        *webrtc.SessionDescription `json:"jsep,omitempty"`
}

// Reply is any inbound gateway message.
type Reply struct {
	Kind        string                     `json:"janus"`
	Transaction string                     `json:"transaction,omitempty"`
	SessionID   domain.SessionID           `json:"session_id,omitempty"`
	Sender      domain.HandleID            `json:"sender,omitempty"`
	Data        *ReplyData                 `json:"data,omitempty"`
	PluginData  *PluginData                `json:"plugindata,omitempty"`
	JSEP        *webrtc.SessionDescription `json:"jsep,omitempty"`
	Error       *GatewayError              `json:"error,omitempty"`

	// Raw holds the undecoded frame.
	Raw json.RawMessage `json:"-"`
}

// ReplyData carries the id returned by create and attach.
type ReplyData struct {
	ID uint64 `json:"id"`
}

type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Err returns the gateway-level error carried by the reply, if any.
func (r *Reply) Err() error {
	if r.Error != nil {
		return r.Error
	}
	if r.Kind == KindError {
		return &GatewayError{Reason: "error reply without details"}
	}
	return nil
}

// id extracts data.id, failing when the reply carries an error or no id.
func (r *Reply) id() (uint64, error) {
	if err := r.Err(); err != nil {
		return 0, err
	}
	if r.Data == nil || r.Data.ID == 0 {
		return 0, ErrMalformedReply
	}
	return r.Data.ID, nil
}
