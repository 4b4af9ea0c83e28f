package store

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/anomess/internal/bus"
	"github.com/matheus3301/anomess/internal/live"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// next waits for the next value on sub.
func next[T any](t *testing.T, sub *live.Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for live value")
	}
	var zero T
	return zero
}

func TestWatchWithoutBus(t *testing.T) {
	db := testDB(t)
	_, err := db.WatchContacts(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoBus)
}

func TestWatchContactsFollowsWrites(t *testing.T) {
	db := testDB(t, WithBus(bus.New()))
	ctx := context.Background()

	sub, err := db.WatchContacts(ctx, nil)
	require.NoError(t, err)
	defer sub.Close()

	assert.Empty(t, next(t, sub))

	require.NoError(t, db.AddContact(ctx, alice, "Alice"))
	contacts := next(t, sub)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Alice", contacts[0].Name)

	require.NoError(t, db.UpdateContactName(ctx, alice, "Alicia"))
	contacts = next(t, sub)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Alicia", contacts[0].Name)
}

func TestWatchUnreadCountEmitsZero(t *testing.T) {
	db := testDB(t, WithBus(bus.New()))
	ctx := context.Background()

	sub, err := db.WatchUnreadCount(ctx, nil, alice)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 0, next(t, sub))

	mustInsert(t, db, NewIncomingMessage(alice, me, "ping", 1000, 1000))
	assert.Equal(t, 1, next(t, sub))

	require.NoError(t, db.MarkMessagesAsRead(ctx, alice))
	assert.Equal(t, 0, next(t, sub))
}

func TestWatchLastMessageAbsentThenPresent(t *testing.T) {
	db := testDB(t, WithBus(bus.New()))
	ctx := context.Background()

	sub, err := db.WatchLastMessage(ctx, nil, alice)
	require.NoError(t, err)
	defer sub.Close()

	assert.Nil(t, next(t, sub))

	id := mustInsert(t, db, NewOutgoingMessage(me, alice, "hi", 1000))
	last := next(t, sub)
	require.NotNil(t, last)
	assert.Equal(t, id, last.ID)

	require.NoError(t, db.ClearConversation(ctx, alice))
	assert.Nil(t, next(t, sub))
}

// A write to another conversation still re-runs the query.
func TestWatchConversationCoarseInvalidation(t *testing.T) {
	db := testDB(t, WithBus(bus.New()))
	ctx := context.Background()

	sub, err := db.WatchConversation(ctx, nil, alice)
	require.NoError(t, err)
	defer sub.Close()

	assert.Empty(t, next(t, sub))

	mustInsert(t, db, NewOutgoingMessage(me, bob, "to bob", 1000))
	assert.Empty(t, next(t, sub))

	mustInsert(t, db, NewOutgoingMessage(me, alice, "to alice", 2000))
	assert.Len(t, next(t, sub), 1)
}

// A slow consumer may skip intermediate results but must converge on the
// state after the last commit.
func TestWatchAllMessagesConverges(t *testing.T) {
	db := testDB(t, WithBus(bus.New()))
	ctx := context.Background()

	sub, err := db.WatchAllMessages(ctx, nil)
	require.NoError(t, err)
	defer sub.Close()

	for i := range 25 {
		mustInsert(t, db, NewOutgoingMessage(me, alice, "burst", int64(i)))
	}

	require.Eventually(t, func() bool {
		select {
		case msgs := <-sub.C():
			return len(msgs) == 25
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	b := bus.New()
	db := testDB(t, WithBus(b))
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := db.WatchContacts(ctx, nil)
	require.NoError(t, err)
	next(t, sub)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.NoError(t, sub.Err())
	assert.Equal(t, 0, b.Subscribers())
}
