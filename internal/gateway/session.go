package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/domain"
	"github.com/dkeye/audiolink/internal/metrics"
)

const DefaultKeepaliveInterval = 15 * time.Second

// Transport is what a Session needs from the messenger.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, req *Request) (*Reply, error)
	Close() error
}

// Session owns a gateway session id, the handles attached under it and the
// keepalive loop. It is the only component that talks to the transport.
type Session struct {
	transport Transport
	interval  time.Duration
	metrics   *metrics.Metrics

	mu sync.Mutex
	id domain.SessionID
	// creating is set while a Create is in flight.
	creating bool
	handles  map[domain.HandleID]*Handle
	kaStop  context.CancelFunc
	kaDone  chan struct{}
}

type SessionOption func(*Session)

func WithKeepaliveInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func NewSession(t Transport, opts ...SessionOption) *Session {
	s := &Session{
		transport: t,
		interval:  DefaultKeepaliveInterval,
		handles:   make(map[domain.HandleID]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create connects the transport, creates the gateway session and starts the
// keepalive loop.
func (s *Session) Create(ctx context.Context) error {
	s.mu.Lock()
	if s.id != 0 || s.creating {
		s.mu.Unlock()
		return ErrSessionExists
	}
	s.creating = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.creating = false
		s.mu.Unlock()
	}()

	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	reply, err := s.Send(ctx, &Request{Kind: KindCreate})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	id, err := reply.id()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.id = domain.SessionID(id)
	s.kaStop = cancel
	s.kaDone = done
	s.mu.Unlock()

	go s.keepalive(kaCtx, done, domain.SessionID(id))
	log.Info().Str("module", "gateway").Uint64("session_id", id).Msg("session created")
	return nil
}

// Attach attaches a plugin and registers the resulting handle.
func (s *Session) Attach(ctx context.Context, plugin string) (*Handle, error) {
	if s.ID() == 0 {
		return nil, ErrNoSession
	}
	reply, err := s.Send(ctx, &Request{Kind: KindAttach, Plugin: plugin})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", plugin, err)
	}
	id, err := reply.id()
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", plugin, err)
	}

	h := &Handle{id: domain.HandleID(id), plugin: plugin, session: s}
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	log.Info().Str("module", "gateway").Str("plugin", plugin).Uint64("handle_id", id).Msg("handle attached")
	return h, nil
}

// Send stamps req with the session id and forwards it to the transport.
func (s *Session) Send(ctx context.Context, req *Request) (*Reply, error) {
	s.mu.Lock()
	req.SessionID = s.id
	s.mu.Unlock()
	return s.transport.Send(ctx, req)
}

// Destroy tears the session down: destroy notification, keepalive stop,
// handle registry, transport. Every step runs even if an earlier one failed,
// and calling Destroy again is harmless.
func (s *Session) Destroy(ctx context.Context) error {
	var errs []error

	if id := s.ID(); id != 0 {
		log.Info().Str("module", "gateway").Uint64("session_id", uint64(id)).Msg("destroying session")
		reply, err := s.Send(ctx, &Request{Kind: KindDestroy})
		if err == nil {
			err = reply.Err()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("destroy session: %w", err))
		}
		s.mu.Lock()
		s.id = 0
		s.mu.Unlock()
	}

	s.stopKeepalive()

	s.mu.Lock()
	s.handles = make(map[domain.HandleID]*Handle)
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}

// stopKeepalive cancels the loop and waits until it has returned.
func (s *Session) stopKeepalive() {
	s.mu.Lock()
	cancel, done := s.kaStop, s.kaDone
	s.kaStop, s.kaDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// keepalive pings session id until ctx is cancelled. The id is fixed at start
// so a tick racing Destroy still names the session it belongs to.
func (s *Session) keepalive(ctx context.Context, done chan struct{}, id domain.SessionID) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		_, err := s.transport.Send(ctx, &Request{Kind: KindKeepalive, SessionID: id})
		switch {
		case ctx.Err() != nil:
			s.metrics.Keepalive(metrics.OutcomeCancelled)
			return
		case err != nil:
			s.metrics.Keepalive(metrics.OutcomeError)
			log.Warn().Err(err).Str("module", "gateway").Msg("keepalive failed")
		default:
			s.metrics.Keepalive(metrics.OutcomeOK)
		}
		timer.Reset(s.interval)
	}
}

func (s *Session) ID() domain.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Handle(id domain.HandleID) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Sorted(maps.Keys(s.handles))
	return domain.SessionInfo{ID: s.id, Handles: ids}
}
