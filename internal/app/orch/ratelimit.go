package orch

import (
	"sync"
	"time"

	"github.com/dkeye/audiolink/internal/domain"
)

// OfferLimiter caps how many incoming offers one peer may send within a
// sliding window.
type OfferLimiter struct {
	mu       sync.Mutex
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewOfferLimiter(limit int, interval time.Duration) *OfferLimiter {
	return &OfferLimiter{
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt by peer and reports whether it is within the limit.
// A nil limiter allows everything.
func (l *OfferLimiter) Allow(peer domain.PeerID) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.interval)
	l.sweep(cutoff)
	attempts := l.history[peer]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= l.limit {
		l.history[peer] = fresh
		return false
	}
	l.history[peer] = append(fresh, now)
	return true
}

// sweep drops peers whose newest attempt has left the window.
func (l *OfferLimiter) sweep(cutoff time.Time) {
	for peer, attempts := range l.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(l.history, peer)
		}
	}
}

// Forget drops the history of every peer.
func (l *OfferLimiter) Forget() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.history)
}
