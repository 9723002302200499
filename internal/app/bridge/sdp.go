package bridge

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var ErrNoAudio = errors.New("offer has no audio section")

// checkAudioOffer rejects plugin offers that cannot carry the tone.
func checkAudioOffer(offer webrtc.SessionDescription) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(offer.SDP)); err != nil {
		return fmt.Errorf("parse offer: %w", err)
	}
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return nil
		}
	}
	return ErrNoAudio
}
