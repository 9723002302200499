package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/audiolink/internal/core"
)

var ErrUnknownEvent = errors.New("unknown relay event")

// frame is the on-wire shape of every relay message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(ev core.RelayEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: ev.EventName(), Data: data})
}

// Decode maps a frame onto the closed set of inbound variants. Payloads may
// arrive either as objects or as JSON documents encoded in a string.
func Decode(raw []byte) (core.RelayInbound, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	data, err := unwrap(f.Data)
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", f.Event, err)
	}

	switch f.Event {
	case "status":
		var v core.Status
		// status may be a bare string
		if err := json.Unmarshal(f.Data, &v.Message); err == nil {
			return v, nil
		}
		return decodeInto(f.Event, data, &v)
	case "answer":
		var v core.RemoteAnswer
		return decodeInto(f.Event, data, &v)
	case "candidates":
		var v core.RemoteOffer
		return decodeInto(f.Event, data, &v)
	case "ice_candidate":
		var v core.RemoteCandidate
		return decodeInto(f.Event, data, &v)
	case "disconnect":
		var v core.Disconnect
		return decodeInto(f.Event, data, &v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func decodeInto[T core.RelayInbound](event string, data []byte, v *T) (core.RelayInbound, error) {
	if len(data) > 0 {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("%s payload: %w", event, err)
		}
	}
	return *v, nil
}

func unwrap(data json.RawMessage) ([]byte, error) {
	if len(data) == 0 || data[0] != '"' {
		return data, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}
