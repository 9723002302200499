package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/audiolink/internal/metrics"
)

const (
	// Subprotocol is the websocket subprotocol the gateway requires.
	Subprotocol = "janus-protocol"

	writeWait = 5 * time.Second
)

type transaction struct {
	id      string
	kind    string
	started time.Time
	result  chan txResult
}

type txResult struct {
	reply *Reply
	err   error
}

// Messenger turns the multiplexed gateway stream into request/response pairs.
// Every request gets a fresh transaction id; the read loop hands the reply
// carrying that id back to the waiting caller and drops everything else.
type Messenger struct {
	url         string
	subprotocol string
	dialer      *websocket.Dialer
	metrics     *metrics.Metrics

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	pending map[string]*transaction
}

type MessengerOption func(*Messenger)

func WithSubprotocol(p string) MessengerOption {
	return func(m *Messenger) { m.subprotocol = p }
}

func WithDialer(d *websocket.Dialer) MessengerOption {
	return func(m *Messenger) { m.dialer = d }
}

func WithMetrics(mt *metrics.Metrics) MessengerOption {
	return func(m *Messenger) { m.metrics = mt }
}

func NewMessenger(url string, opts ...MessengerOption) *Messenger {
	m := &Messenger{
		url:         url,
		subprotocol: Subprotocol,
		dialer:      websocket.DefaultDialer,
		pending:     make(map[string]*transaction),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials the gateway and starts the read loop. Connecting an already
// connected messenger is a no-op.
func (m *Messenger) Connect(ctx context.Context) error {
	m.mu.Lock()
	connected := m.conn != nil
	m.mu.Unlock()
	if connected {
		return nil
	}

	dialer := *m.dialer
	dialer.Subprotocols = []string{m.subprotocol}
	conn, resp, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: handshake status %d: %v", ErrConnect, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if conn.Subprotocol() != m.subprotocol {
		_ = conn.Close()
		return fmt.Errorf("%w: subprotocol %q rejected", ErrConnect, m.subprotocol)
	}

	done := make(chan struct{})
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.done = done
	m.mu.Unlock()

	go m.readLoop(conn, done)
	log.Info().Str("module", "gateway").Str("url", m.url).Msg("connected")
	return nil
}

// Connected reports whether the read loop is running.
func (m *Messenger) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Send stamps req with a new transaction id, writes it and waits for the
// matching reply. A write failure resolves the transaction with ErrTransport.
// Cancelling ctx abandons the transaction; a late reply is then dropped.
func (m *Messenger) Send(ctx context.Context, req *Request) (*Reply, error) {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	tx := &transaction{
		id:      newTransactionID(),
		kind:    req.Kind,
		started: time.Now(),
		result:  make(chan txResult, 1),
	}
	for m.pending[tx.id] != nil {
		tx.id = newTransactionID()
	}
	req.Transaction = tx.id
	m.pending[tx.id] = tx
	m.mu.Unlock()
	m.metrics.PendingInc()

	data, err := json.Marshal(req)
	if err != nil {
		m.forget(tx.id)
		return nil, fmt.Errorf("encode %s request: %w", req.Kind, err)
	}

	log.Debug().Str("module", "gateway").Str("kind", req.Kind).Str("transaction", tx.id).Msg("send")
	if err := m.write(conn, data); err != nil {
		m.resolve(tx.id, txResult{err: fmt.Errorf("%w: %v", ErrTransport, err)})
	}

	select {
	case res := <-tx.result:
		outcome := metrics.OutcomeOK
		switch {
		case errors.Is(res.err, ErrConnectionClosed):
			outcome = metrics.OutcomeClosed
		case res.err != nil:
			outcome = metrics.OutcomeError
		}
		m.metrics.TransactionDone(tx.kind, outcome, time.Since(tx.started))
		return res.reply, res.err
	case <-ctx.Done():
		m.forget(tx.id)
		m.metrics.TransactionDone(tx.kind, metrics.OutcomeCancelled, 0)
		return nil, ctx.Err()
	}
}

func (m *Messenger) write(conn *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Messenger) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer m.detach(conn)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Str("module", "gateway").Msg("connection closed")
			} else {
				log.Error().Err(err).Str("module", "gateway").Msg("read error")
			}
			return
		}
		var reply Reply
		if err := json.Unmarshal(data, &reply); err != nil {
			log.Error().Err(err).Str("module", "gateway").Msg("bad json")
			return
		}
		reply.Raw = data
		m.dispatch(&reply)
	}
}

func (m *Messenger) dispatch(reply *Reply) {
	if reply.Transaction == "" {
		log.Debug().Str("module", "gateway").Str("kind", reply.Kind).Msg("dropped message without transaction")
		m.metrics.MessageDropped()
		return
	}

	m.mu.Lock()
	tx, ok := m.pending[reply.Transaction]
	// An ack to a plugin message only says the request was queued; the
	// event carrying the same transaction is the real answer.
	if ok && reply.Kind == KindAck && tx.kind == KindMessage {
		m.mu.Unlock()
		log.Debug().Str("module", "gateway").Str("transaction", reply.Transaction).Msg("ack, waiting for event")
		return
	}
	m.mu.Unlock()

	if !m.resolve(reply.Transaction, txResult{reply: reply}) {
		log.Debug().Str("module", "gateway").Str("kind", reply.Kind).Str("transaction", reply.Transaction).Msg("dropped unmatched reply")
		m.metrics.MessageDropped()
	}
}

// resolve fulfills and removes the transaction. It reports false when no such
// transaction is pending.
func (m *Messenger) resolve(id string, res txResult) bool {
	m.mu.Lock()
	tx, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	tx.result <- res
	m.metrics.PendingSub(1)
	return true
}

func (m *Messenger) forget(id string) {
	m.mu.Lock()
	_, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if ok {
		m.metrics.PendingSub(1)
	}
}

// detach forgets conn if it is still current and fails every pending
// transaction with ErrConnectionClosed.
func (m *Messenger) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	pending := m.pending
	m.pending = make(map[string]*transaction)
	m.mu.Unlock()

	for _, tx := range pending {
		tx.result <- txResult{err: ErrConnectionClosed}
	}
	m.metrics.PendingSub(len(pending))
}

// Close closes the connection and fails all pending transactions. Safe to
// call more than once.
func (m *Messenger) Close() error {
	m.mu.Lock()
	conn, done := m.conn, m.done
	m.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := conn.Close()
	// the read loop detaches conn and fails what is still pending
	<-done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (m *Messenger) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func newTransactionID() string {
	return uuid.NewString()
}
