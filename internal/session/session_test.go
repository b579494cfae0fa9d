package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/internal/clock"
	"github.com/livechat/internal/conn"
	"github.com/livechat/internal/timeline"
	"github.com/livechat/internal/wire"
	"github.com/livechat/pkg/models"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type historyReply struct {
	messages []models.Message
	err      error
}

type sentMessage struct {
	token     string
	recipient models.CounterpartyID
	content   string
}

type fakeBackend struct {
	mu        sync.Mutex
	roster    []models.Counterparty
	rosterErr error
	gates     map[models.CounterpartyID]chan historyReply
	returned  map[models.CounterpartyID]int
	sends     []sentMessage
	sendErr   error
	stop      chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		gates:    make(map[models.CounterpartyID]chan historyReply),
		returned: make(map[models.CounterpartyID]int),
		stop:     make(chan struct{}),
	}
}

// gate makes History for id block until a reply is released
func (b *fakeBackend) gate(id models.CounterpartyID) chan historyReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan historyReply, 1)
	b.gates[id] = ch
	return ch
}

func (b *fakeBackend) Roster(ctx context.Context, token string) ([]models.Counterparty, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Counterparty(nil), b.roster...), b.rosterErr
}

func (b *fakeBackend) History(ctx context.Context, token string, c models.Counterparty) ([]models.Message, error) {
	b.mu.Lock()
	ch := b.gates[c.ID]
	b.mu.Unlock()

	var reply historyReply
	if ch != nil {
		select {
		case reply = <-ch:
		case <-b.stop:
			return nil, errors.New("backend stopped")
		}
	}

	b.mu.Lock()
	b.returned[c.ID]++
	b.mu.Unlock()
	return reply.messages, reply.err
}

func (b *fakeBackend) historyReturned(id models.CounterpartyID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.returned[id]
}

func (b *fakeBackend) Send(ctx context.Context, token string, recipient models.CounterpartyID, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, sentMessage{token, recipient, content})
	return b.sendErr
}

func (b *fakeBackend) sent() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.sends...)
}

type fakeTransport struct {
	frames  chan []byte
	readErr chan error
	writes  chan []byte

	mu        sync.Mutex
	closeCode int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		writes:  make(chan []byte, 16),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.frames:
		return data, nil
	case err := <-f.readErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.writes <- data
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCode == 0 {
		f.closeCode = code
	}
	return nil
}

func (f *fakeTransport) closedWith() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

type fakeDialer struct {
	mu     sync.Mutex
	queue  map[models.CounterpartyID][]conn.Transport
	tokens []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{queue: make(map[models.CounterpartyID][]conn.Transport)}
}

func (d *fakeDialer) push(id models.CounterpartyID, t conn.Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue[id] = append(d.queue[id], t)
}

func (d *fakeDialer) Dial(ctx context.Context, id models.CounterpartyID, token string) (conn.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	q := d.queue[id]
	if len(q) == 0 {
		return nil, errors.New("connection refused")
	}
	d.queue[id] = q[1:]
	return q[0], nil
}

type fixture struct {
	t       *testing.T
	backend *fakeBackend
	dialer  *fakeDialer
	clock   *clock.FakeClock
	session *Session
}

func newFixture(t *testing.T, configure func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		backend: newFakeBackend(),
		dialer:  newFakeDialer(),
		clock:   clock.Fake(epoch),
	}
	opts := Options{
		Backend: f.backend,
		Dialer:  f.dialer,
		Clock:   f.clock,
	}
	if configure != nil {
		configure(&opts)
	}
	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	f.session = s
	t.Cleanup(func() {
		close(f.backend.stop)
		s.Close()
	})
	return f
}

func (f *fixture) waitFor(cond func(Snapshot) bool) Snapshot {
	f.t.Helper()
	var snap Snapshot
	require.Eventually(f.t, func() bool {
		var err error
		snap, err = f.session.Snapshot(context.Background())
		return err == nil && cond(snap)
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

// connect selects id over a fresh fake transport and waits for it to come up
func (f *fixture) connect(id models.CounterpartyID) *fakeTransport {
	f.t.Helper()
	tr := newFakeTransport()
	f.dialer.push(id, tr)
	require.NoError(f.t, f.session.SelectCounterparty(context.Background(), id))
	f.waitFor(func(s Snapshot) bool {
		return s.Active.ID == id && s.Connection == models.StateConnected
	})
	return tr
}

func frame(t *testing.T, v map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestNewRequiresBackendAndDialer(t *testing.T) {
	_, err := New(context.Background(), Options{Dialer: newFakeDialer()})
	assert.Error(t, err)
	_, err = New(context.Background(), Options{Backend: newFakeBackend()})
	assert.Error(t, err)
}

func TestSetTokenLoadsRosterAndAutoSelects(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoSelect = true })
	f.backend.roster = []models.Counterparty{
		{ID: "42", Username: "alice"},
		{ID: "7", Username: "bob"},
	}
	f.dialer.push("42", newFakeTransport())

	require.NoError(t, f.session.SetToken(context.Background(), "tok"))

	snap := f.waitFor(func(s Snapshot) bool {
		return s.Active.ID == "42" && s.Connection == models.StateConnected && s.History == HistoryLoaded
	})
	assert.Len(t, snap.Roster, 2)
	assert.Equal(t, "alice", snap.Active.Username)
	assert.True(t, snap.HasToken)
	assert.Equal(t, []string{"tok"}, f.dialer.tokens)
}

func TestRosterFailureIsReported(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoSelect = true })
	f.backend.rosterErr = errors.New("401")

	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	snap := f.waitFor(func(s Snapshot) bool { return s.RosterErr != nil })
	assert.True(t, snap.Active.ID.IsZero())
}

func TestSelectWithoutTokenStaysIdle(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.session.SelectCounterparty(context.Background(), "42"))
	snap, err := f.session.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.CounterpartyID("42"), snap.Active.ID)
	assert.Equal(t, models.StateDisconnected, snap.Connection)
	assert.Equal(t, HistoryIdle, snap.History)

	// A token arriving later connects the counterparty already selected.
	f.dialer.push("42", newFakeTransport())
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	f.waitFor(func(s Snapshot) bool { return s.Connection == models.StateConnected })
}

func TestNotificationForInactiveCounterpartyCountsUnread(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("7")

	tr.frames <- frame(t, map[string]interface{}{
		"type":            "notification",
		"sender_id":       "user_42",
		"title":           "New message",
		"content_preview": "hi",
		"timestamp":       "2024-05-01T10:00:00",
	})

	snap := f.waitFor(func(s Snapshot) bool { return s.Unread["42"] == 1 })
	require.Len(t, snap.Banners, 1)
	assert.Equal(t, models.CounterpartyID("42"), snap.Banners[0].Counterparty)

	f.connect("42")
	snap = f.waitFor(func(s Snapshot) bool { return s.Unread["42"] == 0 })
	assert.Empty(t, snap.Banners)
}

func TestMarkReadAndDismiss(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("7")

	for _, ts := range []string{"2024-05-01T10:00:00", "2024-05-01T10:00:01"} {
		tr.frames <- frame(t, map[string]interface{}{"type": "notification", "sender_id": "user_42", "timestamp": ts})
	}
	snap := f.waitFor(func(s Snapshot) bool { return s.Unread["42"] == 2 })
	require.Len(t, snap.Notifications, 2)

	ctx := context.Background()
	changed, err := f.session.MarkRead(ctx, snap.Notifications[0].ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.session.Dismiss(ctx, snap.Notifications[1].ID)
	require.NoError(t, err)
	assert.True(t, changed)

	snap, err = f.session.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Unread["42"])
	assert.Len(t, snap.Notifications, 1)

	changed, err = f.session.MarkRead(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestBannerAutoDismissesAfterTimeout(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("7")

	tr.frames <- frame(t, map[string]interface{}{"type": "notification", "sender_id": "42", "timestamp": "t1"})
	f.waitFor(func(s Snapshot) bool { return len(s.Banners) == 1 })

	f.clock.Advance(5 * time.Second)
	snap := f.waitFor(func(s Snapshot) bool { return len(s.Banners) == 0 })
	assert.Equal(t, 1, snap.Unread["42"])
}

func TestLiveSendResolvesWithoutFallback(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("42")

	msg, err := f.session.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.True(t, timeline.IsLocalID(msg.ID))

	select {
	case data := <-tr.writes:
		assert.JSONEq(t, `{"type":"chat_message","recipient_id":"user_42","content":"hello"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
	}

	snap := f.waitFor(func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == models.StatusSent
	})
	assert.Equal(t, msg.ID, snap.Messages[0].ID)
	assert.Empty(t, f.backend.sent())
}

func TestFallbackSendWhenNotConnected(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	require.NoError(t, f.session.SelectCounterparty(context.Background(), "42"))
	f.waitFor(func(s Snapshot) bool { return s.Connection == models.StateReconnecting })

	_, err := f.session.Submit(context.Background(), "hello")
	require.NoError(t, err)

	f.waitFor(func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == models.StatusSent
	})
	assert.Equal(t, []sentMessage{{token: "tok", recipient: "42", content: "hello"}}, f.backend.sent())
}

func TestFallbackFailureMarksMessageFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.sendErr = errors.New("502")
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	require.NoError(t, f.session.SelectCounterparty(context.Background(), "42"))

	_, err := f.session.Submit(context.Background(), "hello")
	require.NoError(t, err)

	f.waitFor(func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == models.StatusFailed
	})
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.session.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoCounterparty)

	require.NoError(t, f.session.SelectCounterparty(context.Background(), "42"))
	_, err = f.session.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, timeline.ErrEmptyMessage)

	assert.ErrorIs(t, f.session.SelectCounterparty(context.Background(), ""), ErrNoCounterparty)
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	staleGate := f.backend.gate("7")
	freshGate := f.backend.gate("42")
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))

	require.NoError(t, f.session.SelectCounterparty(context.Background(), "7"))
	require.NoError(t, f.session.SelectCounterparty(context.Background(), "42"))

	freshGate <- historyReply{messages: []models.Message{{ID: "fresh", Body: "for 42", Timestamp: epoch}}}
	f.waitFor(func(s Snapshot) bool { return s.History == HistoryLoaded })

	staleGate <- historyReply{messages: []models.Message{{ID: "stale", Body: "for 7", Timestamp: epoch}}}
	require.Eventually(t, func() bool { return f.backend.historyReturned("7") == 1 }, time.Second, 5*time.Millisecond)

	require.Never(t, func() bool {
		snap, err := f.session.Snapshot(context.Background())
		if err != nil {
			return false
		}
		for _, m := range snap.Messages {
			if m.ID == "stale" {
				return true
			}
		}
		return false
	}, 200*time.Millisecond, 10*time.Millisecond)

	snap, err := f.session.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "fresh", snap.Messages[0].ID)
}

func TestHistoryFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	gate := f.backend.gate("42")
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	require.NoError(t, f.session.SelectCounterparty(context.Background(), "42"))

	snap := f.waitFor(func(s Snapshot) bool { return true })
	assert.Equal(t, HistoryLoading, snap.History)

	gate <- historyReply{err: errors.New("timeout")}
	snap = f.waitFor(func(s Snapshot) bool { return s.History == HistoryFailed })
	assert.EqualError(t, snap.HistoryErr, "timeout")
}

func TestLiveMessageBeforeHistoryIsKept(t *testing.T) {
	f := newFixture(t, nil)
	gate := f.backend.gate("42")
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("42")

	tr.frames <- frame(t, map[string]interface{}{
		"type":       "chat_message",
		"message_id": 3,
		"sender_id":  "user_42",
		"content":    "live",
		"timestamp":  "2024-05-01T10:05:00",
	})
	f.waitFor(func(s Snapshot) bool { return len(s.Messages) == 1 })

	gate <- historyReply{messages: []models.Message{
		{ID: "1", Body: "first", Timestamp: epoch},
		{ID: "2", Body: "second", Timestamp: epoch.Add(time.Minute)},
	}}
	snap := f.waitFor(func(s Snapshot) bool { return s.History == HistoryLoaded })

	var ids []string
	for _, m := range snap.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	assert.Equal(t, models.DirectionIncoming, snap.Messages[2].Direction)
}

func TestSwitchingCounterpartyReleasesConnection(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	first := f.connect("42")
	f.connect("7")

	assert.Equal(t, conn.CloseNormal, first.closedWith())

	first.frames <- frame(t, map[string]interface{}{"type": "chat_message", "message_id": 9, "content": "late"})
	require.Never(t, func() bool {
		snap, err := f.session.Snapshot(context.Background())
		return err == nil && len(snap.Messages) > 0
	}, 150*time.Millisecond, 10*time.Millisecond)
}

func TestUncleanCloseReconnects(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("42")

	tr.readErr <- &conn.CloseError{Code: conn.CloseAbnormal}
	f.waitFor(func(s Snapshot) bool {
		return s.Connection == models.StateReconnecting && s.RetryScheduled
	})

	f.dialer.push("42", newFakeTransport())
	f.clock.Advance(5 * time.Second)
	f.waitFor(func(s Snapshot) bool { return s.Connection == models.StateConnected })
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("42")

	tr.readErr <- &conn.CloseError{Code: conn.CloseNormal}
	snap := f.waitFor(func(s Snapshot) bool { return s.Connection == models.StateDisconnected })
	assert.False(t, snap.RetryScheduled)
}

func TestServerErrorIsSurfaced(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("42")

	tr.frames <- frame(t, map[string]interface{}{"type": "error", "message": "recipient offline"})
	f.waitFor(func(s Snapshot) bool { return s.LastError == "recipient offline" })

	tr.frames <- []byte(`{"type":`)
	snap := f.waitFor(func(s Snapshot) bool { return s.LastError != "recipient offline" })
	assert.Equal(t, models.StateConnected, snap.Connection)
}

func TestClearingTokenDropsConnection(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("42")

	require.NoError(t, f.session.SetToken(context.Background(), ""))
	snap := f.waitFor(func(s Snapshot) bool { return s.Connection == models.StateDisconnected })
	assert.False(t, snap.HasToken)
	assert.NotZero(t, tr.closedWith())
}

func TestUpdatesReportChanges(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	f.connect("42")

	seen := map[EventKind]bool{}
	for len(f.session.Updates()) > 0 {
		ev := <-f.session.Updates()
		seen[ev.Kind] = true
	}
	assert.True(t, seen[EventSelected])
	assert.True(t, seen[EventConnection])
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.session.SetToken(context.Background(), "tok"))
	tr := f.connect("42")

	require.NoError(t, f.session.Close())
	require.NoError(t, f.session.Close())

	assert.NotZero(t, tr.closedWith())

	_, err := f.session.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.session.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrClosed)

	for range f.session.Updates() {
	}
}

func TestChatMessageSender(t *testing.T) {
	active := models.Counterparty{ID: "42", Username: "alice"}
	tests := []struct {
		frame map[string]interface{}
		want  string
	}{
		{map[string]interface{}{"sender_name": "Alice B", "sender_id": "user_42"}, "Alice B"},
		{map[string]interface{}{"sender_id": "user_42"}, "alice"},
		{map[string]interface{}{"sender_id": "user_7"}, "user_7"},
		{map[string]interface{}{"is_admin": true}, "Admin"},
		{map[string]interface{}{}, "User"},
	}
	for _, tt := range tests {
		tt.frame["type"] = "chat_message"
		decoded, err := wire.Decode(frame(t, tt.frame))
		require.NoError(t, err)
		msg := chatMessage(decoded.(wire.ChatMessage), active, epoch)
		if msg.Sender != tt.want {
			t.Errorf("chatMessage(%v).Sender = %q, want %q", tt.frame, msg.Sender, tt.want)
		}
	}
}
