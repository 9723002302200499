// Package bridge streams a local audio source into a room of the gateway's
// audiobridge plugin.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/core"
	"github.com/dkeye/audiolink/internal/domain"
	"github.com/dkeye/audiolink/internal/gateway"
)

const (
	Plugin         = "janus.plugin.audiobridge"
	DefaultDisplay = "AudioStreamer"

	teardownTimeout = 5 * time.Second
)

var (
	ErrNoOffer      = errors.New("join reply carries no offer")
	ErrJoinRejected = errors.New("audiobridge rejected join")
	ErrStarted      = errors.New("streamer already started")
)

// GatewaySession is the part of gateway.Session the streamer drives.
type GatewaySession interface {
	Create(ctx context.Context) error
	Attach(ctx context.Context, plugin string) (*gateway.Handle, error)
	Destroy(ctx context.Context) error
	Info() domain.SessionInfo
}

type Config struct {
	// Plugin defaults to the audiobridge plugin.
	Plugin  string
	Room    domain.AudioRoom
	Display string
	// Hold is how long Run keeps streaming; zero streams until ctx is done.
	Hold time.Duration
}

type Streamer struct {
	session GatewaySession
	media   core.MediaEngine
	cfg     Config

	mu     sync.Mutex
	handle *gateway.Handle
	conn   core.MediaConnection
}

func NewStreamer(session GatewaySession, media core.MediaEngine, cfg Config) *Streamer {
	if cfg.Plugin == "" {
		cfg.Plugin = Plugin
	}
	if cfg.Display == "" {
		cfg.Display = DefaultDisplay
	}
	return &Streamer{session: session, media: media, cfg: cfg}
}

// joinEvent is the audiobridge payload of a join reply.
type joinEvent struct {
	AudioBridge string `json:"audiobridge"`
	Room        int    `json:"room"`
	ID          uint64 `json:"id"`
	ErrorCode   int    `json:"error_code"`
	Error       string `json:"error"`
}

// Run starts streaming, holds for the configured duration or until ctx is
// done, then tears everything down.
func (s *Streamer) Run(ctx context.Context) error {
	startErr := s.Start(ctx)
	if startErr == nil {
		s.hold(ctx)
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	return errors.Join(startErr, s.Stop(tctx))
}

func (s *Streamer) hold(ctx context.Context) {
	log.Info().Str("module", "bridge").Dur("hold", s.cfg.Hold).Msg("streaming")
	if s.cfg.Hold <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTimer(s.cfg.Hold)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Start creates the session, joins the room and answers the plugin's offer.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return ErrStarted
	}

	if err := s.session.Create(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	h, err := s.session.Attach(ctx, s.cfg.Plugin)
	if err != nil {
		return fmt.Errorf("attach %s: %w", s.cfg.Plugin, err)
	}
	s.handle = h

	reply, err := h.SendMessage(ctx, map[string]any{
		"request": "join",
		"room":    int(s.cfg.Room),
		"display": s.cfg.Display,
		"audio":   true,
	}, nil)
	if err != nil {
		return fmt.Errorf("join room %s: %w", s.cfg.Room, err)
	}
	if err := joinError(reply); err != nil {
		return err
	}
	if reply.JSEP == nil {
		return ErrNoOffer
	}
	if err := checkAudioOffer(*reply.JSEP); err != nil {
		return err
	}
	log.Info().Str("module", "bridge").Str("room", s.cfg.Room.String()).Msg("joined, answering offer")

	answer, err := s.answer(ctx, *reply.JSEP)
	if err != nil {
		return err
	}
	if _, err := h.SendMessage(ctx, map[string]any{}, &answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

func joinError(reply *gateway.Reply) error {
	if err := reply.Err(); err != nil {
		return err
	}
	if reply.PluginData == nil || len(reply.PluginData.Data) == 0 {
		return nil
	}
	var ev joinEvent
	if err := json.Unmarshal(reply.PluginData.Data, &ev); err != nil {
		return fmt.Errorf("join reply: %w", err)
	}
	if ev.Error != "" || ev.ErrorCode != 0 {
		return fmt.Errorf("%w: %d %s", ErrJoinRejected, ev.ErrorCode, ev.Error)
	}
	return nil
}

// answer builds the local media connection for the plugin's offer. The
// returned answer carries the gathered candidates since nothing is trickled.
func (s *Streamer) answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	conn, err := s.media.NewConnection(domain.PeerID(s.cfg.Plugin))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media connection: %w", err)
	}
	s.conn = conn

	if err := conn.AddLocalSource(); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("local source: %w", err)
	}
	if err := conn.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("remote offer: %w", err)
	}
	answer, err := conn.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := conn.SetLocalDescription(ctx, answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("local answer: %w", err)
	}
	if ld := conn.LocalDescription(); ld != nil {
		answer = *ld
	}
	return answer, nil
}

// Stop closes the media connection and destroys the session. Safe on a
// partially started streamer and safe to call twice.
func (s *Streamer) Stop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.handle = nil
	s.mu.Unlock()

	var errs []error
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close media: %w", err))
		}
	}
	if err := s.session.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy session: %w", err))
	}
	log.Info().Str("module", "bridge").Msg("streaming stopped")
	return errors.Join(errs...)
}

// Session reports the gateway session state.
func (s *Streamer) Session() domain.SessionInfo {
	return s.session.Info()
}
