package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/clock"
	"github.com/livechat/internal/conn"
	"github.com/livechat/internal/logging"
	"github.com/livechat/internal/notify"
	"github.com/livechat/internal/retry"
	"github.com/livechat/internal/timeline"
	"github.com/livechat/pkg/models"
)

var (
	ErrClosed         = errors.New("session: closed")
	ErrNoCounterparty = errors.New("session: no counterparty selected")
)

// Backend is the request/response side of the chat server
type Backend interface {
	Roster(ctx context.Context, token string) ([]models.Counterparty, error)
	History(ctx context.Context, token string, counterparty models.Counterparty) ([]models.Message, error)
	Send(ctx context.Context, token string, recipient models.CounterpartyID, content string) error
}

// Options configures a Session
type Options struct {
	Backend Backend
	Dialer  conn.Dialer
	Clock   clock.Clock

	ReconnectPolicy retry.Policy
	SendQueue       int
	HistoryTimeout  time.Duration
	SendTimeout     time.Duration
	// AutoSelect picks the first roster entry when nothing is active
	AutoSelect bool
	SenderName string

	Notifications notify.Options
	// TranscriptDir enables per-counterparty transcript files when set
	TranscriptDir string
	// NewMessageID overrides local id generation, for tests
	NewMessageID func() string
	UpdateBuffer int
}

// Session coordinates the connection, timeline and notifications for
// one operator.
//
// Every piece of state below the loop marker is owned by the event
// loop goroutine. Public methods hand work to the loop and wait for it,
// so callers always observe a consistent state. Async results (dials,
// frames, fetches, timers) are posted back to the loop tagged with the
// generation that issued them; a result from an older generation is
// discarded on arrival.
type Session struct {
	opts    Options
	clock   clock.Clock
	logger  zerolog.Logger
	events  chan func()
	updates chan Event
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	// loop
	ctx              context.Context
	cancel           context.CancelFunc
	token            string
	generation       uint64
	rosterGen        uint64
	roster           []models.Counterparty
	rosterErr        error
	active           models.Counterparty
	timeline         *timeline.Timeline
	conn             *conn.Manager
	connState        models.ConnectionState
	historyCancel    context.CancelFunc
	historyStatus    HistoryStatus
	historyErr       error
	notices          *notify.Aggregator
	fallbackInFlight map[string]bool
	lastError        string
	transcript       *logging.Transcript
}

// New starts a session. It stays alive until Close is called or ctx ends.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("session: backend is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ReconnectPolicy.MaxAttempts == 0 && opts.ReconnectPolicy.BaseDelay == 0 {
		opts.ReconnectPolicy = retry.OneShot(5 * time.Second)
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 15 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.SenderName == "" {
		opts.SenderName = "You (Admin)"
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 64
	}

	s := &Session{
		opts:          opts,
		clock:         opts.Clock,
		logger:        log.With().Str("component", "session").Logger(),
		events:        make(chan func(), 64),
		updates:       make(chan Event, opts.UpdateBuffer),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		connState:     models.StateDisconnected,
		historyStatus: HistoryIdle,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	notifyOpts := opts.Notifications
	notifyOpts.Schedule = s.schedule
	s.notices = notify.New(notifyOpts)

	go s.run()
	return s, nil
}

// Updates delivers change events. Sends never block the session: when
// the buffer is full the event is dropped, and consumers catch up by
// calling Snapshot. The channel is closed when the session ends.
func (s *Session) Updates() <-chan Event {
	return s.updates
}

// Close ends the session, releasing the connection, the in-flight
// fetches and every timer. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

// SetToken supplies the bearer token. A new token loads the roster and
// reconnects the active counterparty; an empty token drops the connection.
func (s *Session) SetToken(ctx context.Context, token string) error {
	return s.do(ctx, func() { s.setToken(token) })
}

// RefreshRoster fetches the roster again
func (s *Session) RefreshRoster(ctx context.Context) error {
	return s.do(ctx, func() { s.loadRoster() })
}

// SelectCounterparty makes id the active counterparty. Ids missing from
// the roster are accepted; the roster may not have loaded yet.
func (s *Session) SelectCounterparty(ctx context.Context, id models.CounterpartyID) error {
	if id.IsZero() {
		return ErrNoCounterparty
	}
	return s.do(ctx, func() { s.selectCounterparty(s.lookup(id)) })
}

// Submit adds text to the timeline as a pending message and sends it.
// The returned message is the optimistic entry; its final status
// arrives as an EventTimeline update.
func (s *Session) Submit(ctx context.Context, text string) (models.Message, error) {
	var (
		msg models.Message
		err error
	)
	if doErr := s.do(ctx, func() { msg, err = s.submit(text) }); doErr != nil {
		return models.Message{}, doErr
	}
	return msg, err
}

// MarkRead marks a notification as read
func (s *Session) MarkRead(ctx context.Context, notificationID string) (bool, error) {
	var changed bool
	err := s.do(ctx, func() {
		changed = s.notices.MarkRead(notificationID)
		if changed {
			s.emit(Event{Kind: EventNotifications})
		}
	})
	return changed, err
}

// Dismiss hides a notification
func (s *Session) Dismiss(ctx context.Context, notificationID string) (bool, error) {
	var changed bool
	err := s.do(ctx, func() {
		changed = s.notices.Dismiss(notificationID)
		if changed {
			s.emit(Event{Kind: EventNotifications})
		}
	})
	return changed, err
}

// Snapshot returns a copy of the session state
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() { snap = s.snapshot() })
	return snap, err
}

func (s *Session) run() {
	defer close(s.done)
	defer s.teardown()
	for {
		select {
		case f := <-s.events:
			f()
		case <-s.quit:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// post queues f on the loop. It returns false once the loop has stopped.
func (s *Session) post(f func()) bool {
	select {
	case s.events <- f:
		return true
	case <-s.done:
		return false
	}
}

// do runs f on the loop and waits for it
func (s *Session) do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if !s.post(func() { f(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule runs f on the loop after d
func (s *Session) schedule(d time.Duration, f func()) clock.Timer {
	return s.clock.AfterFunc(d, func() {
		s.post(func() {
			f()
			s.emit(Event{Kind: EventNotifications})
		})
	})
}

func (s *Session) emit(ev Event) {
	ev.Generation = s.generation
	select {
	case s.updates <- ev:
	default:
		s.logger.Debug().Str("kind", string(ev.Kind)).Msg("Update buffer full, dropping event")
	}
}

func (s *Session) teardown() {
	s.releaseCounterparty()
	s.notices.Close()
	s.cancel()
	close(s.updates)
	s.logger.Debug().Msg("Session closed")
}

func (s *Session) setToken(token string) {
	if token == s.token {
		return
	}
	s.token = token

	if token == "" {
		s.logger.Info().Msg("Token cleared, dropping connection")
		s.closeConnection()
		s.setConnState(models.StateDisconnected)
		return
	}

	s.loadRoster()
	if !s.active.ID.IsZero() {
		s.selectCounterparty(s.active)
	}
}

func (s *Session) lookup(id models.CounterpartyID) models.Counterparty {
	for _, c := range s.roster {
		if c.ID == id {
			return c
		}
	}
	return models.Counterparty{ID: id}
}

func (s *Session) loadRoster() {
	if s.token == "" {
		return
	}
	s.rosterGen++
	gen := s.rosterGen
	token := s.token

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.HistoryTimeout)
		defer cancel()
		roster, err := s.opts.Backend.Roster(ctx, token)
		s.post(func() { s.rosterLoaded(gen, roster, err) })
	}()
}

func (s *Session) rosterLoaded(gen uint64, roster []models.Counterparty, err error) {
	if gen != s.rosterGen {
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load roster")
		s.rosterErr = err
		s.emit(Event{Kind: EventRoster, Err: err})
		return
	}

	s.roster = roster
	s.rosterErr = nil
	if !s.active.ID.IsZero() {
		s.active = s.lookup(s.active.ID)
	}
	s.logger.Info().Int("count", len(roster)).Msg("Roster loaded")
	s.emit(Event{Kind: EventRoster})

	if s.opts.AutoSelect && s.active.ID.IsZero() && len(roster) > 0 {
		s.selectCounterparty(roster[0])
	}
}

func (s *Session) selectCounterparty(c models.Counterparty) {
	s.releaseCounterparty()

	s.generation++
	gen := s.generation
	s.active = c

	if cleared := s.notices.Activate(c.ID); cleared > 0 {
		s.emit(Event{Kind: EventNotifications, Counterparty: c.ID})
	}

	s.timeline = timeline.New(c.ID, s.timelineOptions()...)
	s.fallbackInFlight = make(map[string]bool)
	s.lastError = ""
	s.openTranscript(c)

	s.logger.Info().
		Str("counterparty", c.ID.String()).
		Uint64("generation", gen).
		Msg("Counterparty selected")
	s.emit(Event{Kind: EventSelected, Counterparty: c.ID})

	s.startHistory(gen, c)
	s.openConnection(gen, c)
}

func (s *Session) timelineOptions() []timeline.Option {
	opts := []timeline.Option{
		timeline.WithClock(s.clock.Now),
		timeline.WithSenderName(s.opts.SenderName),
	}
	if s.opts.NewMessageID != nil {
		opts = append(opts, timeline.WithIDGenerator(s.opts.NewMessageID))
	}
	return opts
}

// releaseCounterparty gives up everything owned on behalf of the
// active counterparty: the history fetch, the connection, and the
// transcript.
func (s *Session) releaseCounterparty() {
	if s.historyCancel != nil {
		s.historyCancel()
		s.historyCancel = nil
	}
	s.closeConnection()
	if s.transcript != nil {
		s.transcript.Close()
		s.transcript = nil
	}
}

func (s *Session) closeConnection() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) startHistory(gen uint64, c models.Counterparty) {
	if s.token == "" {
		s.historyStatus = HistoryIdle
		s.historyErr = nil
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HistoryTimeout)
	s.historyCancel = cancel
	s.historyStatus = HistoryLoading
	s.historyErr = nil
	token := s.token

	go func() {
		defer cancel()
		messages, err := s.opts.Backend.History(ctx, token, c)
		s.post(func() { s.historyLoaded(gen, messages, err) })
	}()
}

func (s *Session) historyLoaded(gen uint64, messages []models.Message, err error) {
	if gen != s.generation {
		s.logger.Debug().
			Uint64("generation", gen).
			Uint64("current", s.generation).
			Msg("Discarding stale history")
		return
	}
	s.historyCancel = nil

	if err != nil {
		s.logger.Error().Err(err).Str("counterparty", s.active.ID.String()).Msg("Failed to load history")
		s.historyStatus = HistoryFailed
		s.historyErr = err
		s.emit(Event{Kind: EventHistory, Counterparty: s.active.ID, Err: err})
		return
	}

	s.timeline.LoadHistory(messages)
	s.historyStatus = HistoryLoaded
	s.emit(Event{Kind: EventHistory, Counterparty: s.active.ID})
}

func (s *Session) openConnection(gen uint64, c models.Counterparty) {
	s.setConnState(models.StateDisconnected)
	if s.token == "" {
		return
	}

	s.conn = conn.NewManager(conn.Options{
		Dialer:    s.opts.Dialer,
		Handler:   &connHandler{s: s, gen: gen},
		Post:      s.post,
		Clock:     s.clock,
		Policy:    s.opts.ReconnectPolicy,
		SendQueue: s.opts.SendQueue,
	})
	if err := s.conn.Open(s.ctx, c.ID, s.token); err != nil {
		s.logger.Error().Err(err).Msg("Failed to open connection")
		s.conn = nil
		s.setConnState(models.StateError)
	}
}

func (s *Session) setConnState(state models.ConnectionState) {
	if state == s.connState {
		return
	}
	s.connState = state
	s.transcriptf("state %s", state)
	s.emit(Event{Kind: EventConnection, Counterparty: s.active.ID, State: state})
}

func (s *Session) submit(text string) (models.Message, error) {
	if s.active.ID.IsZero() || s.timeline == nil {
		return models.Message{}, ErrNoCounterparty
	}
	msg, err := s.timeline.SubmitOutgoing(text)
	if err != nil {
		return models.Message{}, err
	}
	s.transcriptf("out %s %q", msg.ID, msg.Body)
	s.emit(Event{Kind: EventTimeline, Counterparty: s.active.ID, Message: &msg})

	s.dispatch(msg)
	return msg, nil
}

// dispatch sends msg over the live connection when it is up, and over
// the request/response fallback otherwise.
func (s *Session) dispatch(msg models.Message) {
	if s.conn != nil && s.conn.State() == models.StateConnected {
		err := s.conn.Send(msg.Body)
		if err == nil {
			s.resolve(msg.ID, models.StatusSent)
			return
		}
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Live send failed, using fallback")
	}

	gen := s.generation
	recipient := s.active.ID
	token := s.token
	s.fallbackInFlight[msg.ID] = true

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.SendTimeout)
		defer cancel()
		err := s.opts.Backend.Send(ctx, token, recipient, msg.Body)
		s.post(func() { s.fallbackDone(gen, msg.ID, err) })
	}()
}

func (s *Session) fallbackDone(gen uint64, id string, err error) {
	if gen != s.generation {
		return
	}
	delete(s.fallbackInFlight, id)
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", id).Msg("Fallback send failed")
		s.resolve(id, models.StatusFailed)
		return
	}
	s.resolve(id, models.StatusSent)
}

func (s *Session) resolve(id string, outcome models.MessageStatus) {
	msg, err := s.timeline.ResolveOutgoing(id, outcome)
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", id).Msg("Ignoring message resolution")
		return
	}
	s.transcriptf("resolved %s %s", id, outcome)
	s.emit(Event{Kind: EventTimeline, Counterparty: s.active.ID, Message: &msg})
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Generation:    s.generation,
		Roster:        append([]models.Counterparty(nil), s.roster...),
		RosterErr:     s.rosterErr,
		Active:        s.active,
		Connection:    s.connState,
		History:       s.historyStatus,
		HistoryErr:    s.historyErr,
		Notifications: s.notices.Notifications(),
		Banners:       s.notices.Banners(),
		Unread:        s.notices.UnreadCounts(),
		LastError:     s.lastError,
		HasToken:      s.token != "",
	}
	if s.timeline != nil {
		snap.Messages = s.timeline.Messages()
	}
	if s.conn != nil {
		snap.RetryScheduled = s.conn.RetryScheduled()
	}
	return snap
}

func (s *Session) openTranscript(c models.Counterparty) {
	if s.opts.TranscriptDir == "" {
		return
	}
	t, err := logging.StartTranscript(s.opts.TranscriptDir, c.ID.String())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Transcript disabled")
		return
	}
	s.transcript = t
	t.Log("selected %s (%s)", c.ID, c.DisplayName())
}

func (s *Session) transcriptf(format string, args ...interface{}) {
	if s.transcript != nil {
		s.transcript.Log(format, args...)
	}
}
