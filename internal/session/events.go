package session

import (
	"fmt"
	"time"

	"github.com/livechat/internal/notify"
	"github.com/livechat/internal/wire"
	"github.com/livechat/pkg/models"
)

// HistoryStatus tracks the history fetch for the active counterparty
type HistoryStatus string

const (
	HistoryIdle    HistoryStatus = "idle"
	HistoryLoading HistoryStatus = "loading"
	HistoryLoaded  HistoryStatus = "loaded"
	HistoryFailed  HistoryStatus = "failed"
)

// EventKind says which part of the session changed
type EventKind string

const (
	EventRoster        EventKind = "roster"
	EventSelected      EventKind = "selected"
	EventConnection    EventKind = "connection"
	EventHistory       EventKind = "history"
	EventTimeline      EventKind = "timeline"
	EventNotifications EventKind = "notifications"
	EventError         EventKind = "error"
)

// Event is a change notification. It carries enough to render the
// change; the full picture is always available from Snapshot.
type Event struct {
	Kind         EventKind
	Generation   uint64
	Counterparty models.CounterpartyID
	State        models.ConnectionState
	Message      *models.Message
	Notification *models.Notification
	Err          error
}

// Snapshot is a consistent copy of the session state
type Snapshot struct {
	Generation     uint64
	HasToken       bool
	Roster         []models.Counterparty
	RosterErr      error
	Active         models.Counterparty
	Connection     models.ConnectionState
	RetryScheduled bool
	History        HistoryStatus
	HistoryErr     error
	Messages       []models.Message
	Notifications  []models.Notification
	Banners        []models.Notification
	Unread         models.UnreadCounts
	LastError      string
}

// connHandler forwards connection events for one generation. Events
// from a Manager that belongs to an earlier selection are ignored.
type connHandler struct {
	s   *Session
	gen uint64
}

func (h *connHandler) live() bool {
	return h.gen == h.s.generation
}

func (h *connHandler) ConnectionStateChanged(state models.ConnectionState) {
	if !h.live() {
		return
	}
	h.s.setConnState(state)
}

func (h *connHandler) ChatMessageReceived(frame wire.ChatMessage) {
	if !h.live() {
		return
	}
	s := h.s
	msg := chatMessage(frame, s.active, s.clock.Now())
	if !s.timeline.AppendIncoming(msg) {
		return
	}
	s.transcriptf("in %s %s: %q", msg.ID, msg.Sender, msg.Body)
	s.emit(Event{Kind: EventTimeline, Counterparty: s.active.ID, Message: &msg})
}

func (h *connHandler) NotificationReceived(frame wire.Notification) {
	if !h.live() {
		return
	}
	s := h.s
	n := s.notices.Ingest(notify.FromWire(frame, s.clock.Now()))
	s.transcriptf("notification %s from %s", n.ID, n.SenderID)
	s.emit(Event{Kind: EventNotifications, Counterparty: n.Counterparty, Notification: &n})
}

func (h *connHandler) MessageAcknowledged(ack wire.MessageSent) {
	if !h.live() {
		return
	}
	s := h.s
	msg, ok := s.timeline.AcknowledgeLatest(func(m models.Message) bool {
		return !s.fallbackInFlight[m.ID]
	})
	if !ok {
		s.logger.Debug().Str("message_id", ack.MessageID.String()).Msg("Acknowledgement matched no pending message")
		return
	}
	s.emit(Event{Kind: EventTimeline, Counterparty: s.active.ID, Message: &msg})
}

func (h *connHandler) ServerError(frame wire.ErrorFrame) {
	if !h.live() {
		return
	}
	h.s.lastError = frame.Message
	h.s.emit(Event{Kind: EventError, Counterparty: h.s.active.ID, Err: fmt.Errorf("server: %s", frame.Message)})
}

func (h *connHandler) FrameDropped(err error) {
	if !h.live() {
		return
	}
	h.s.lastError = err.Error()
	h.s.emit(Event{Kind: EventError, Counterparty: h.s.active.ID, Err: err})
}

// chatMessage converts a live frame for the active conversation
func chatMessage(frame wire.ChatMessage, active models.Counterparty, now time.Time) models.Message {
	sender := frame.SenderName
	switch {
	case sender != "":
	case frame.IsAdmin:
		sender = "Admin"
	case models.NormalizeCounterpartyID(frame.SenderID.String()) == active.ID:
		sender = active.DisplayName()
	case frame.SenderID != "":
		sender = frame.SenderID.String()
	default:
		sender = "User"
	}
	direction := models.DirectionIncoming
	if frame.IsAdmin {
		direction = models.DirectionOutgoing
	}
	return models.Message{
		ID:        frame.MessageID.String(),
		Sender:    sender,
		Body:      frame.Content,
		Timestamp: wire.ParseTimestamp(frame.Timestamp, now),
		Direction: direction,
		Status:    models.StatusSent,
	}
}
