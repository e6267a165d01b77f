package bus

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"studyflow/internal/domain"
	"studyflow/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// recorder is a Sink collecting delivered envelopes per user. connected
// controls which users count as locally connected.
type recorder struct {
	mu        sync.Mutex
	byUser    map[string][]domain.Message
	connected map[string]bool
}

func newRecorder(users ...string) *recorder {
	r := &recorder{byUser: make(map[string][]domain.Message), connected: make(map[string]bool)}
	for _, u := range users {
		r.connected[u] = true
	}
	return r
}

func (r *recorder) sink(userID string, msg domain.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected[userID] {
		return false
	}
	r.byUser[userID] = append(r.byUser[userID], msg)
	return true
}

func (r *recorder) got(userID string) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.byUser[userID]...)
}

func TestPerUserOrderingFromOnePublisher(t *testing.T) {
	st := newTestStore(t)
	pub := NewPublisher(st)
	rec := newRecorder("u1", "u2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := NewSubscriber(st, rec.sink, 10*time.Millisecond)
	go func() { _ = sub.Run(ctx) }()
	time.Sleep(50 * time.Millisecond) // let the subscriber snapshot its cursor

	// Interleave two users' streams, as two concurrent tasks would.
	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Publish(ctx, "u1", domain.Message{Type: domain.EventProgress, Action: "a", Progress: i}))
		require.NoError(t, pub.Publish(ctx, "u2", domain.Message{Type: domain.EventProgress, Action: "b", Progress: i}))
	}

	require.Eventually(t, func() bool {
		return len(rec.got("u1")) == 5 && len(rec.got("u2")) == 5
	}, 2*time.Second, 10*time.Millisecond)

	for user, action := range map[string]string{"u1": "a", "u2": "b"} {
		msgs := rec.got(user)
		for i, msg := range msgs {
			require.Equal(t, i, msg.Progress, "user %s out of order", user)
			require.Equal(t, action, msg.Action)
		}
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	st := newTestStore(t)
	pub := NewPublisher(st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Published before anyone subscribes: gone for good.
	require.NoError(t, pub.Publish(ctx, "u1", domain.Message{Type: domain.EventSuccess, Action: "course_ready"}))

	rec := newRecorder("u1")
	sub := NewSubscriber(st, rec.sink, 10*time.Millisecond)
	go func() { _ = sub.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pub.Publish(ctx, "u1", domain.Message{Type: domain.EventSuccess, Action: "schedule_ready"}))

	require.Eventually(t, func() bool { return len(rec.got("u1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	msgs := rec.got("u1")
	require.Len(t, msgs, 1)
	require.Equal(t, "schedule_ready", msgs[0].Action)
}

func TestTwoInstancesOnlyHolderForwards(t *testing.T) {
	st := newTestStore(t)
	pub := NewPublisher(st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first instance holds u1's connection; the second subscribes but
	// has no connection for u1.
	holder := newRecorder("u1")
	idle := newRecorder()
	for _, rec := range []*recorder{holder, idle} {
		sub := NewSubscriber(st, rec.sink, 10*time.Millisecond)
		go func() { _ = sub.Run(ctx) }()
	}
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pub.Publish(ctx, "u1", domain.Message{Type: domain.EventSuccess, Action: "course_ready"}))

	require.Eventually(t, func() bool { return len(holder.got("u1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, idle.got("u1"))
}

func TestMalformedEnvelopeSkipped(t *testing.T) {
	st := newTestStore(t)
	pub := NewPublisher(st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder("u1")
	sub := NewSubscriber(st, rec.sink, 10*time.Millisecond)
	go func() { _ = sub.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, st.InsertEvent(ctx, "u1", []byte(`not json`)))
	require.NoError(t, pub.Publish(ctx, "u1", domain.Message{Type: domain.EventSuccess, Action: "after"}))

	// The loop survives the bad row and delivers the next one.
	require.Eventually(t, func() bool { return len(rec.got("u1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "after", rec.got("u1")[0].Action)
}

func TestSubscriberRetriesCursorSnapshot(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Close())

	// With the store unreachable the subscriber must keep retrying the
	// snapshot rather than give up; only cancellation ends the run.
	sub := NewSubscriber(st, func(string, domain.Message) bool { return false }, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := sub.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriberStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub := NewSubscriber(st, func(string, domain.Message) bool { return false }, 10*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop within the poll bound")
	}
}
