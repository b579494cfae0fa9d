package timeline

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/livechat/pkg/models"
)

var (
	ErrEmptyMessage    = errors.New("timeline: message body is empty")
	ErrUnknownMessage  = errors.New("timeline: no such message")
	ErrAlreadyResolved = errors.New("timeline: message already resolved")
	ErrNotPending      = errors.New("timeline: message is not an outgoing pending message")
)

// localIDPrefix marks ids generated before the server has seen a message
const localIDPrefix = "temp-"

// Timeline is the ordered conversation with the active counterparty.
// It is not safe for concurrent use.
type Timeline struct {
	counterparty models.CounterpartyID
	sender       string
	messages     []models.Message
	historyLen   int // leading messages that came from LoadHistory
	index        map[string]int
	now          func() time.Time
	newID        func() string
}

// Option customizes a Timeline
type Option func(*Timeline)

// WithClock sets the time source used for outgoing timestamps
func WithClock(now func() time.Time) Option {
	return func(t *Timeline) { t.now = now }
}

// WithIDGenerator replaces the local id generator
func WithIDGenerator(newID func() string) Option {
	return func(t *Timeline) { t.newID = newID }
}

// WithSenderName sets the display name used for outgoing messages
func WithSenderName(name string) Option {
	return func(t *Timeline) { t.sender = name }
}

// New creates an empty timeline for counterparty
func New(counterparty models.CounterpartyID, opts ...Option) *Timeline {
	t := &Timeline{
		counterparty: counterparty,
		sender:       "You",
		index:        make(map[string]int),
		now:          time.Now,
		newID:        func() string { return localIDPrefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsLocalID reports whether id was generated by a timeline
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Counterparty returns the counterparty the timeline belongs to
func (t *Timeline) Counterparty() models.CounterpartyID {
	return t.counterparty
}

// Len returns the number of messages
func (t *Timeline) Len() int {
	return len(t.messages)
}

// Messages returns a copy of the timeline in display order
func (t *Timeline) Messages() []models.Message {
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Get returns the message with the given id
func (t *Timeline) Get(id string) (models.Message, bool) {
	i, ok := t.index[id]
	if !ok {
		return models.Message{}, false
	}
	return t.messages[i], true
}

// LoadHistory installs fetched history, replacing any history loaded
// before. Records are ordered by timestamp ascending and placed before
// every entry appended live, so messages that raced the fetch are kept.
// Records whose id is already live are skipped.
func (t *Timeline) LoadHistory(records []models.Message) {
	live := t.messages[t.historyLen:]
	liveIDs := make(map[string]bool, len(live))
	for _, msg := range live {
		liveIDs[msg.ID] = true
	}

	history := make([]models.Message, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.ID != "" {
			if liveIDs[rec.ID] || seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
		}
		if rec.Status == "" {
			rec.Status = models.StatusSent
		}
		history = append(history, rec)
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp.Before(history[j].Timestamp)
	})

	t.messages = append(history, live...)
	t.historyLen = len(history)
	t.reindex()
}

// AppendIncoming adds a message received on the live stream. Messages
// with an id already in the timeline are ignored; the boolean reports
// whether the message was added.
func (t *Timeline) AppendIncoming(msg models.Message) bool {
	if msg.ID != "" {
		if _, dup := t.index[msg.ID]; dup {
			return false
		}
	}
	if msg.Direction == "" {
		msg.Direction = models.DirectionIncoming
	}
	msg.Status = models.StatusSent
	t.append(msg)
	return true
}

// SubmitOutgoing appends a pending message for text and returns it
func (t *Timeline) SubmitOutgoing(text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	msg := models.Message{
		ID:        t.newID(),
		Sender:    t.sender,
		Body:      text,
		Timestamp: t.now(),
		Direction: models.DirectionOutgoing,
		Status:    models.StatusPending,
	}
	t.append(msg)
	return msg, nil
}

// ResolveOutgoing moves a pending outgoing message to sent or failed.
// Every message resolves once; later calls return ErrAlreadyResolved
// and leave the timeline untouched.
func (t *Timeline) ResolveOutgoing(localID string, outcome models.MessageStatus) (models.Message, error) {
	if !outcome.IsTerminal() {
		return models.Message{}, errors.New("timeline: outcome must be sent or failed")
	}
	i, ok := t.index[localID]
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	msg := &t.messages[i]
	if !msg.IsOutgoing() {
		return *msg, ErrNotPending
	}
	if msg.Status.IsTerminal() {
		return *msg, ErrAlreadyResolved
	}
	msg.Status = outcome
	return *msg, nil
}

// AcknowledgeLatest marks the most recent pending outgoing message as
// sent. When eligible is non-nil, pending messages it rejects are
// skipped. It returns false when nothing was resolved.
func (t *Timeline) AcknowledgeLatest(eligible func(models.Message) bool) (models.Message, bool) {
	for i := len(t.messages) - 1; i >= 0; i-- {
		msg := t.messages[i]
		if msg.IsOutgoing() && msg.Status == models.StatusPending && (eligible == nil || eligible(msg)) {
			resolved, err := t.ResolveOutgoing(msg.ID, models.StatusSent)
			return resolved, err == nil
		}
	}
	return models.Message{}, false
}

// Pending returns the outgoing messages still waiting for an outcome
func (t *Timeline) Pending() []models.Message {
	var out []models.Message
	for _, msg := range t.messages {
		if msg.IsOutgoing() && msg.Status == models.StatusPending {
			out = append(out, msg)
		}
	}
	return out
}

func (t *Timeline) append(msg models.Message) {
	t.messages = append(t.messages, msg)
	if msg.ID != "" {
		t.index[msg.ID] = len(t.messages) - 1
	}
}

func (t *Timeline) reindex() {
	t.index = make(map[string]int, len(t.messages))
	for i, msg := range t.messages {
		if msg.ID != "" {
			t.index[msg.ID] = i
		}
	}
}
