package conn

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/clock"
	"github.com/livechat/internal/retry"
	"github.com/livechat/internal/wire"
	"github.com/livechat/pkg/models"
)

var (
	ErrNoToken        = errors.New("conn: a non-empty token is required")
	ErrNotConnected   = errors.New("conn: not connected")
	ErrSendQueueFull  = errors.New("conn: send queue full")
	ErrNoCounterparty = errors.New("conn: counterparty is required")
)

// Handler receives everything a Manager observes. All calls happen on
// the owner's event loop.
type Handler interface {
	ConnectionStateChanged(state models.ConnectionState)
	ChatMessageReceived(msg wire.ChatMessage)
	NotificationReceived(n wire.Notification)
	MessageAcknowledged(ack wire.MessageSent)
	ServerError(frame wire.ErrorFrame)
	FrameDropped(err error)
}

// PostFunc runs f on the owner's event loop. It returns false when the
// loop no longer accepts work.
type PostFunc func(f func()) bool

// Options configures a Manager
type Options struct {
	Dialer    Dialer
	Handler   Handler
	Post      PostFunc
	Clock     clock.Clock
	Policy    retry.Policy
	SendQueue int
}

// DefaultSendQueue is the outbound buffer used when Options.SendQueue is zero
const DefaultSendQueue = 16

// Manager owns at most one live connection for the active counterparty.
//
// Manager is not safe for concurrent use: every method, and every
// callback it schedules through Post, must run on the same event loop.
// Network I/O happens on helper goroutines that only communicate back
// through Post. Each connection attempt gets a new epoch; results
// tagged with an older epoch are dropped, which is how teardown stops
// frame delivery immediately.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	state        models.ConnectionState
	counterparty models.CounterpartyID
	token        string
	base         context.Context

	epoch     uint64
	cancel    context.CancelFunc
	transport Transport
	outbound  chan []byte

	retryTimer clock.Timer
	attempt    int
}

// NewManager creates a Manager in the disconnected state
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.Policy.MaxAttempts == 0 && opts.Policy.BaseDelay == 0 {
		opts.Policy = retry.OneShot(5 * time.Second)
	}
	return &Manager{
		opts:   opts,
		logger: log.With().Str("component", "conn").Logger(),
		state:  models.StateDisconnected,
	}
}

// State returns the current connection state
func (m *Manager) State() models.ConnectionState {
	return m.state
}

// Counterparty returns the counterparty of the current or last connection
func (m *Manager) Counterparty() models.CounterpartyID {
	return m.counterparty
}

// RetryScheduled reports whether a reconnect timer is pending
func (m *Manager) RetryScheduled() bool {
	return m.retryTimer != nil
}

// Open connects to the backend for counterparty. Any previous
// connection is torn down first. ctx bounds the lifetime of the
// connection, not just the dial.
func (m *Manager) Open(ctx context.Context, counterparty models.CounterpartyID, token string) error {
	if token == "" {
		return ErrNoToken
	}
	if counterparty.IsZero() {
		return ErrNoCounterparty
	}

	m.Close()

	m.base = ctx
	m.counterparty = counterparty
	m.token = token
	m.attempt = 0
	m.connect()
	return nil
}

// Close tears down the connection and cancels any scheduled retry.
// Nothing received before Close is delivered afterwards.
func (m *Manager) Close() {
	m.epoch++
	m.stopRetry()
	m.release(CloseNormal, "session closed")
	m.state = models.StateDisconnected
}

// Send enqueues a chat message for the counterparty. A nil error means
// the frame was accepted by the writer, not that the server received it.
func (m *Manager) Send(content string) error {
	if m.state != models.StateConnected || m.outbound == nil {
		return ErrNotConnected
	}
	data, err := wire.Encode(wire.NewOutboundChat(m.counterparty.WireID(), content))
	if err != nil {
		return err
	}
	select {
	case m.outbound <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (m *Manager) connect() {
	m.epoch++
	epoch := m.epoch

	base := m.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	m.cancel = cancel

	m.setState(models.StateConnecting)

	counterparty, token := m.counterparty, m.token
	go func() {
		transport, err := m.opts.Dialer.Dial(ctx, counterparty, token)
		posted := m.opts.Post(func() { m.dialed(ctx, epoch, transport, err) })
		if !posted && transport != nil {
			transport.Close(CloseGoingAway, "session ended")
		}
	}()
}

func (m *Manager) dialed(ctx context.Context, epoch uint64, transport Transport, err error) {
	if epoch != m.epoch {
		if transport != nil {
			transport.Close(CloseNormal, "superseded")
		}
		return
	}

	if err != nil {
		m.logger.Warn().Err(err).
			Str("counterparty", m.counterparty.String()).
			Int("attempt", m.attempt).
			Msg("Failed to open connection")
		m.release(CloseNormal, "")
		m.setState(models.StateError)
		m.maybeRetry()
		return
	}

	m.transport = transport
	m.outbound = make(chan []byte, m.opts.SendQueue)
	m.attempt = 0

	m.logger.Info().Str("counterparty", m.counterparty.String()).Msg("Connection established")
	m.setState(models.StateConnected)

	go m.readLoop(ctx, epoch, transport)
	go m.writeLoop(ctx, epoch, transport, m.outbound)
}

func (m *Manager) readLoop(ctx context.Context, epoch uint64, transport Transport) {
	for {
		data, err := transport.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.opts.Post(func() { m.closed(epoch, CloseCode(err), err) })
			return
		}
		if !m.opts.Post(func() { m.receive(epoch, data) }) {
			return
		}
	}
}

func (m *Manager) writeLoop(ctx context.Context, epoch uint64, transport Transport, outbound <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outbound:
			if err := transport.Write(ctx, data); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.opts.Post(func() { m.closed(epoch, CloseCode(err), err) })
				return
			}
		}
	}
}

func (m *Manager) receive(epoch uint64, data []byte) {
	if epoch != m.epoch {
		return
	}

	frame, err := wire.Decode(data)
	if err != nil {
		m.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping inbound frame")
		m.opts.Handler.FrameDropped(err)
		return
	}

	switch f := frame.(type) {
	case wire.ConnectionStatus:
		state, ok := models.ParseConnectionState(f.Status)
		if !ok {
			m.logger.Warn().Str("status", f.Status).Msg("Ignoring unknown connection status")
			m.opts.Handler.FrameDropped(wire.ErrMalformed)
			return
		}
		m.setState(state)
	case wire.ChatMessage:
		m.opts.Handler.ChatMessageReceived(f)
	case wire.Notification:
		m.opts.Handler.NotificationReceived(f)
	case wire.MessageSent:
		m.opts.Handler.MessageAcknowledged(f)
	case wire.ErrorFrame:
		m.logger.Warn().Str("message", f.Message).Msg("Server reported an error")
		m.opts.Handler.ServerError(f)
	}
}

func (m *Manager) closed(epoch uint64, code int, err error) {
	if epoch != m.epoch {
		return
	}
	// The connection is over; later events from it are stale.
	m.epoch++
	m.release(CloseNormal, "")

	m.logger.Info().Err(err).
		Str("counterparty", m.counterparty.String()).
		Int("code", code).
		Msg("Connection closed")

	if IsTerminalClose(code) {
		m.stopRetry()
		m.setState(models.StateDisconnected)
		return
	}
	if !m.maybeRetry() {
		m.setState(models.StateDisconnected)
	}
}

// maybeRetry schedules the next reconnect if the policy allows one for
// the current disconnection.
func (m *Manager) maybeRetry() bool {
	if !m.opts.Policy.Allows(m.attempt) {
		return false
	}
	delay := m.opts.Policy.Delay(m.attempt)
	m.attempt++

	m.stopRetry()
	m.setState(models.StateReconnecting)

	epoch := m.epoch
	var timer clock.Timer
	timer = m.opts.Clock.AfterFunc(delay, func() {
		m.opts.Post(func() { m.retryFired(epoch, timer) })
	})
	m.retryTimer = timer

	m.logger.Info().
		Str("counterparty", m.counterparty.String()).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
	return true
}

func (m *Manager) retryFired(epoch uint64, timer clock.Timer) {
	if epoch != m.epoch || m.retryTimer != timer {
		return
	}
	m.retryTimer = nil
	m.connect()
}

func (m *Manager) stopRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// release drops the current transport without touching the state
func (m *Manager) release(code int, reason string) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.transport != nil {
		if err := m.transport.Close(code, reason); err != nil {
			m.logger.Debug().Err(err).Msg("Error closing transport")
		}
		m.transport = nil
	}
	m.outbound = nil
}

func (m *Manager) setState(state models.ConnectionState) {
	if state == m.state {
		return
	}
	m.state = state
	m.opts.Handler.ConnectionStateChanged(state)
}
