package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/pkg/models"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestTimeline() *Timeline {
	n := 0
	return New("42",
		WithClock(func() time.Time { return base.Add(time.Hour) }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("temp-%d", n)
		}),
		WithSenderName("You (Admin)"),
	)
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestLoadHistoryOrdersByTimestamp(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory([]models.Message{
		{ID: "3", Timestamp: base.Add(3 * time.Minute)},
		{ID: "1", Timestamp: base.Add(time.Minute)},
		{ID: "2", Timestamp: base.Add(2 * time.Minute)},
	})

	assert.Equal(t, []string{"1", "2", "3"}, ids(tl.Messages()))
	for _, m := range tl.Messages() {
		assert.Equal(t, models.StatusSent, m.Status)
	}
}

func TestLoadHistoryKeepsLiveEntries(t *testing.T) {
	tl := newTestTimeline()
	require.True(t, tl.AppendIncoming(models.Message{ID: "live-1", Body: "arrived first", Timestamp: base}))
	pending, err := tl.SubmitOutgoing("hello")
	require.NoError(t, err)

	tl.LoadHistory([]models.Message{
		{ID: "h2", Timestamp: base.Add(-time.Minute)},
		{ID: "h1", Timestamp: base.Add(-2 * time.Minute)},
	})

	want := []string{"h1", "h2", "live-1", pending.ID}
	if diff := cmp.Diff(want, ids(tl.Messages())); diff != "" {
		t.Fatalf("timeline order mismatch (-want +got):\n%s", diff)
	}

	// The pending entry is still resolvable after the reindex.
	_, err = tl.ResolveOutgoing(pending.ID, models.StatusSent)
	assert.NoError(t, err)
}

func TestLoadHistoryReplacesEarlierHistory(t *testing.T) {
	tl := newTestTimeline()
	tl.LoadHistory([]models.Message{{ID: "old", Timestamp: base}})
	tl.AppendIncoming(models.Message{ID: "live"})
	tl.LoadHistory([]models.Message{{ID: "new", Timestamp: base}})

	assert.Equal(t, []string{"new", "live"}, ids(tl.Messages()))
}

func TestLoadHistorySkipsDuplicates(t *testing.T) {
	tl := newTestTimeline()
	tl.AppendIncoming(models.Message{ID: "5"})
	tl.LoadHistory([]models.Message{
		{ID: "4", Timestamp: base},
		{ID: "4", Timestamp: base},
		{ID: "5", Timestamp: base},
	})
	assert.Equal(t, []string{"4", "5"}, ids(tl.Messages()))
}

func TestAppendIncomingArrivalOrderAndDedupe(t *testing.T) {
	tl := newTestTimeline()
	assert.True(t, tl.AppendIncoming(models.Message{ID: "b", Timestamp: base.Add(time.Minute)}))
	assert.True(t, tl.AppendIncoming(models.Message{ID: "a", Timestamp: base}))
	assert.False(t, tl.AppendIncoming(models.Message{ID: "a"}))

	assert.Equal(t, []string{"b", "a"}, ids(tl.Messages()))
	msg, ok := tl.Get("a")
	require.True(t, ok)
	assert.Equal(t, models.DirectionIncoming, msg.Direction)
	assert.Equal(t, models.StatusSent, msg.Status)
}

func TestSubmitOutgoingIsVisibleImmediately(t *testing.T) {
	tl := newTestTimeline()
	msg, err := tl.SubmitOutgoing("hello")
	require.NoError(t, err)

	assert.Equal(t, "temp-1", msg.ID)
	assert.True(t, IsLocalID(msg.ID))
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.Equal(t, models.DirectionOutgoing, msg.Direction)
	assert.Equal(t, "You (Admin)", msg.Sender)
	assert.Equal(t, base.Add(time.Hour), msg.Timestamp)

	stored, ok := tl.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, msg, stored)
	assert.Len(t, tl.Pending(), 1)
}

func TestSubmitOutgoingRejectsBlank(t *testing.T) {
	tl := newTestTimeline()
	_, err := tl.SubmitOutgoing("   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 0, tl.Len())
}

func TestResolveOutgoingExactlyOnce(t *testing.T) {
	for _, outcome := range []models.MessageStatus{models.StatusSent, models.StatusFailed} {
		tl := newTestTimeline()
		msg, err := tl.SubmitOutgoing("hello")
		require.NoError(t, err)

		resolved, err := tl.ResolveOutgoing(msg.ID, outcome)
		require.NoError(t, err)
		assert.Equal(t, outcome, resolved.Status)

		other := models.StatusSent
		if outcome == models.StatusSent {
			other = models.StatusFailed
		}
		_, err = tl.ResolveOutgoing(msg.ID, other)
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		stored, _ := tl.Get(msg.ID)
		assert.Equal(t, outcome, stored.Status)
		assert.Equal(t, 1, tl.Len(), "a second resolution must not add a message")
	}
}

func TestResolveOutgoingErrors(t *testing.T) {
	tl := newTestTimeline()
	_, err := tl.ResolveOutgoing("missing", models.StatusSent)
	assert.ErrorIs(t, err, ErrUnknownMessage)

	tl.AppendIncoming(models.Message{ID: "in"})
	_, err = tl.ResolveOutgoing("in", models.StatusSent)
	assert.ErrorIs(t, err, ErrNotPending)

	msg, _ := tl.SubmitOutgoing("x")
	_, err = tl.ResolveOutgoing(msg.ID, models.StatusPending)
	assert.Error(t, err)
}

func TestAcknowledgeLatest(t *testing.T) {
	tl := newTestTimeline()
	_, ok := tl.AcknowledgeLatest(nil)
	assert.False(t, ok)

	first, _ := tl.SubmitOutgoing("one")
	second, _ := tl.SubmitOutgoing("two")

	acked, ok := tl.AcknowledgeLatest(func(m models.Message) bool { return m.ID != second.ID })
	require.True(t, ok)
	assert.Equal(t, first.ID, acked.ID)

	acked, ok = tl.AcknowledgeLatest(nil)
	require.True(t, ok)
	assert.Equal(t, second.ID, acked.ID)

	_, ok = tl.AcknowledgeLatest(nil)
	assert.False(t, ok)
	assert.Empty(t, tl.Pending())
}
