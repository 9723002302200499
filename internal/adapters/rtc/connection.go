package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/domain"
)

type EngineConfig struct {
	ICEServers []string
	// PortMin and PortMax bound the local UDP ports; zero leaves them to the OS.
	PortMin, PortMax uint16
}

// Engine creates pion-backed connections that share one API and configuration.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{}}
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	var pc webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		pc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Engine{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg: pc,
	}, nil
}

func (e *Engine) NewConnection(peer domain.PeerID) (core.MediaConnection, error) {
	return newConnection(e.api, e.cfg, peer)
}

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	peer   domain.PeerID
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	onICE     func(webrtc.ICECandidateInit)
	closeOnce sync.Once
}

func newConnection(api *webrtc.API, cfg webrtc.Configuration, peer domain.PeerID) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{pc: pc, peer: peer, ctx: ctx, cancel: cancel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(peer)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	return c, nil
}

// AddLocalSource attaches a PCMU tone track and starts pumping it until the
// connection closes.
func (c *WebRTCConnection) AddLocalSource() error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: toneSampleRate},
		"audio", "audiolink-"+string(c.peer),
	)
	if err != nil {
		return err
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go c.readRTCP(sender)

	src := NewToneSource(track, DefaultToneFrequency)
	go func() {
		if err := src.Run(c.ctx); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("tone source stopped")
		}
	}()
	return nil
}

// readRTCP drains the sender's RTCP so interceptors keep running, and logs
// the remote side's reception quality.
func (c *WebRTCConnection) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				log.Debug().
					Str("module", "webrtc").
					Str("peer", string(c.peer)).
					Uint8("fraction_lost", r.FractionLost).
					Uint32("total_lost", r.TotalLost).
					Uint32("jitter", r.Jitter).
					Msg("receiver report")
			}
		}
	}
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(ctx context.Context, sd webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(sd); err != nil {
		return err
	}
	select {
	case <-gatherComplete:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ice gathering: %w", ctx.Err())
	}
}

func (c *WebRTCConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *WebRTCConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if err = c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("close error")
			return
		}
		log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Msg("closed")
	})
	return err
}
