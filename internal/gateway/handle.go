package gateway

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/domain"
)

// Handle is one attached plugin instance. It holds no state beyond its
// identity and reaches the gateway only through its session.
type Handle struct {
	id      domain.HandleID
	plugin  string
	session *Session
}

func (h *Handle) ID() domain.HandleID { return h.id }
func (h *Handle) Plugin() string      { return h.plugin }

// SendMessage sends a plugin message with an optional jsep and returns the
// plugin's reply.
func (h *Handle) SendMessage(ctx context.Context, body any, jsep *webrtc.SessionDescription) (*Reply, error) {
	log.Info().Str("module", "gateway").Uint64("handle_id", uint64(h.id)).Msg("sending plugin message")
	return h.session.Send(ctx, &Request{
		Kind:     KindMessage,
		HandleID: h.id,
		Body:     body,
		JSEP:     jsep,
	})
}
