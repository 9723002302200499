package rtc

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"
)

const (
	DefaultToneFrequency = 440.0

	toneSampleRate  = 8000
	tonePacketTime  = 20 * time.Millisecond
	toneSamples     = toneSampleRate / 50
	toneAmplitude   = 0.3
	pcmuPayloadType = 0
)

// RTPWriter is the part of a local track the tone source needs.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// ToneSource generates a sine wave, encodes it as G.711 μ-law and writes one
// RTP packet every 20ms.
type ToneSource struct {
	out       RTPWriter
	frequency float64

	ssrc  uint32
	seq   uint16
	ts    uint32
	phase float64
}

func NewToneSource(out RTPWriter, frequency float64) *ToneSource {
	return &ToneSource{
		out:       out,
		frequency: frequency,
		ssrc:      rand.Uint32(),
		seq:       uint16(rand.Uint32()),
		ts:        rand.Uint32(),
	}
}

// Run writes packets until ctx is done. A closed track ends the loop quietly.
func (s *ToneSource) Run(ctx context.Context) error {
	ticker := time.NewTicker(tonePacketTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.out.WriteRTP(s.NextPacket()); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return nil
				}
				return err
			}
		}
	}
}

// NextPacket returns the next 20ms of tone.
func (s *ToneSource) NextPacket() *rtp.Packet {
	payload := make([]byte, toneSamples)
	step := 2 * math.Pi * s.frequency / toneSampleRate
	for i := range payload {
		sample := int16(math.Sin(s.phase) * toneAmplitude * math.MaxInt16)
		payload[i] = linearToUlaw(sample)
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pcmuPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.ts += toneSamples
	return pkt
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// linearToUlaw is the G.711 μ-law compander.
func linearToUlaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}
