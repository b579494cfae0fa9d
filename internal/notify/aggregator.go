package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/livechat/internal/clock"
	"github.com/livechat/internal/wire"
	"github.com/livechat/pkg/models"
)

// Defaults applied when Options leaves a field zero
const (
	DefaultCapacity      = 50
	DefaultMaxBanners    = 3
	DefaultBannerTimeout = 5 * time.Second
)

// Scheduler runs f after d on the owner's event loop
type Scheduler func(d time.Duration, f func()) clock.Timer

// Options configures an Aggregator
type Options struct {
	Capacity      int
	MaxBanners    int
	BannerTimeout time.Duration
	// Schedule drives banner auto-dismissal. Nil disables the timers.
	Schedule Scheduler
}

type entry struct {
	notification models.Notification
	timer        clock.Timer
}

// Aggregator tracks notifications and unread counts across every
// counterparty. It is not safe for concurrent use.
//
// The unread count for a counterparty always equals the number of
// stored notifications from it that are still unread; dismissal only
// hides a notification, it does not read it.
type Aggregator struct {
	opts    Options
	entries []*entry // most recent first
	unread  models.UnreadCounts
}

// New creates an empty Aggregator
func New(opts Options) *Aggregator {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxBanners <= 0 {
		opts.MaxBanners = DefaultMaxBanners
	}
	if opts.BannerTimeout <= 0 {
		opts.BannerTimeout = DefaultBannerTimeout
	}
	return &Aggregator{
		opts:   opts,
		unread: make(models.UnreadCounts),
	}
}

// FromWire converts a notification frame. now stands in for a missing
// or unreadable timestamp.
func FromWire(frame wire.Notification, now time.Time) models.Notification {
	sender := frame.Sender()
	id := strings.TrimSpace(frame.Timestamp)
	if id == "" {
		id = now.UTC().Format(time.RFC3339Nano)
	}
	return models.Notification{
		ID:             id,
		SenderID:       sender,
		Counterparty:   models.NormalizeCounterpartyID(sender),
		MessageID:      frame.MessageID.String(),
		Title:          frame.Title,
		Message:        frame.Message,
		ContentPreview: frame.ContentPreview,
		Timestamp:      wire.ParseTimestamp(frame.Timestamp, now),
	}
}

// Ingest stores n as the most recent notification and returns it with
// its final id. The oldest notifications beyond capacity are dropped.
func (a *Aggregator) Ingest(n models.Notification) models.Notification {
	if n.Counterparty.IsZero() && n.SenderID != "" {
		n.Counterparty = models.NormalizeCounterpartyID(n.SenderID)
	}
	n.ID = a.uniqueID(n.ID)
	n.Dismissed = false

	e := &entry{notification: n}
	a.entries = append([]*entry{e}, a.entries...)
	if !n.Read {
		a.adjust(n.Counterparty, 1)
	}

	for len(a.entries) > a.opts.Capacity {
		last := len(a.entries) - 1
		a.forget(a.entries[last])
		a.entries = a.entries[:last]
	}

	if a.opts.Schedule != nil && !n.Read {
		id := n.ID
		e.timer = a.opts.Schedule(a.opts.BannerTimeout, func() { a.expire(id) })
	}
	return n
}

// MarkRead sets the read flag. It reports whether anything changed.
func (a *Aggregator) MarkRead(id string) bool {
	e := a.find(id)
	if e == nil || e.notification.Read {
		return false
	}
	a.markRead(e)
	return true
}

// Dismiss hides a notification from display. It reports whether anything changed.
func (a *Aggregator) Dismiss(id string) bool {
	e := a.find(id)
	if e == nil || e.notification.Dismissed {
		return false
	}
	e.notification.Dismissed = true
	a.stopTimer(e)
	return true
}

// Activate clears the unread state of counterparty and returns how
// many notifications it marked read.
func (a *Aggregator) Activate(counterparty models.CounterpartyID) int {
	marked := 0
	for _, e := range a.entries {
		if e.notification.Counterparty == counterparty && !e.notification.Read {
			a.markRead(e)
			marked++
		}
	}
	delete(a.unread, counterparty)
	return marked
}

// Unread returns the unread count for counterparty
func (a *Aggregator) Unread(counterparty models.CounterpartyID) int {
	return a.unread[counterparty]
}

// UnreadCounts returns a copy of all non-zero unread counts
func (a *Aggregator) UnreadCounts() models.UnreadCounts {
	out := make(models.UnreadCounts, len(a.unread))
	for k, v := range a.unread {
		out[k] = v
	}
	return out
}

// Len returns the number of stored notifications, dismissed ones included
func (a *Aggregator) Len() int {
	return len(a.entries)
}

// Notifications returns the displayable notifications, most recent first
func (a *Aggregator) Notifications() []models.Notification {
	out := make([]models.Notification, 0, len(a.entries))
	for _, e := range a.entries {
		if !e.notification.Dismissed {
			out = append(out, e.notification)
		}
	}
	return out
}

// Banners returns the notifications eligible for transient display
func (a *Aggregator) Banners() []models.Notification {
	var out []models.Notification
	for _, e := range a.entries {
		if len(out) == a.opts.MaxBanners {
			break
		}
		if !e.notification.Read && !e.notification.Dismissed {
			out = append(out, e.notification)
		}
	}
	return out
}

// Close stops every pending banner timer
func (a *Aggregator) Close() {
	for _, e := range a.entries {
		a.stopTimer(e)
	}
}

func (a *Aggregator) expire(id string) {
	e := a.find(id)
	if e == nil {
		return
	}
	e.timer = nil
	if !e.notification.Read && !e.notification.Dismissed {
		e.notification.Dismissed = true
	}
}

func (a *Aggregator) markRead(e *entry) {
	e.notification.Read = true
	a.adjust(e.notification.Counterparty, -1)
	a.stopTimer(e)
}

func (a *Aggregator) forget(e *entry) {
	if !e.notification.Read {
		a.adjust(e.notification.Counterparty, -1)
	}
	a.stopTimer(e)
}

func (a *Aggregator) adjust(counterparty models.CounterpartyID, delta int) {
	if counterparty.IsZero() {
		return
	}
	n := a.unread[counterparty] + delta
	if n <= 0 {
		delete(a.unread, counterparty)
		return
	}
	a.unread[counterparty] = n
}

func (a *Aggregator) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (a *Aggregator) find(id string) *entry {
	for _, e := range a.entries {
		if e.notification.ID == id {
			return e
		}
	}
	return nil
}

// uniqueID keeps ids distinct when two notifications share a timestamp
func (a *Aggregator) uniqueID(id string) string {
	if a.find(id) == nil {
		return id
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s#%d", id, i)
		if a.find(candidate) == nil {
			return candidate
		}
	}
}
