package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification within timeout")
	}
	return Notification{}
}

func TestNotifier_PublishNoSubscribers(t *testing.T) {
	n := NewNotifier(100)
	n.Publish(Notification{Type: ViewUpdated, View: "by_x", Rows: 1})
}

func TestNotifier_SubscribeReceivesNotification(t *testing.T) {
	n := NewNotifier(100)
	sub := n.Subscribe("sub-1", nil)

	n.Publish(Notification{Type: ViewUpdated, View: "by_x", Worker: 2, Rows: 3})

	got := receive(t, sub.Ch)
	assert.Equal(t, ViewUpdated, got.Type)
	assert.Equal(t, "by_x", got.View)
	assert.Equal(t, 3, got.Rows)
	assert.NotZero(t, got.Timestamp)
}

func TestNotifier_FilterByView(t *testing.T) {
	n := NewNotifier(100)
	sub := n.Subscribe("sub-2", []string{"BY_X"})

	n.Publish(Notification{Type: ViewUpdated, View: "other"})
	n.Publish(Notification{Type: QueryFailed, View: "by_x"})

	got := receive(t, sub.Ch)
	assert.Equal(t, "by_x", got.View)
	assert.Equal(t, QueryFailed, got.Type)
	select {
	case extra := <-sub.Ch:
		t.Fatalf("received unexpected notification: %v", extra)
	default:
	}
}

func TestNotifier_FullChannelDropsNotification(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe("sub-4", nil)
	sub.Ch <- Notification{View: "fill"}

	done := make(chan struct{})
	go func() {
		n.Publish(Notification{View: "by_x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish blocked when channel was full")
	}
	assert.Equal(t, "fill", receive(t, sub.Ch).View)
}

func TestNotifier_UnsubscribeAndClose(t *testing.T) {
	n := NewNotifier(10)
	a := n.Subscribe("a", nil)
	b := n.SubscribeAutoID("by_x")
	assert.NotEqual(t, a.ID, b.ID)

	n.Unsubscribe("a")
	_, ok := <-a.Ch
	assert.False(t, ok)

	require.NoError(t, n.Close())
	_, ok = <-b.Ch
	assert.False(t, ok)
	n.Publish(Notification{View: "by_x"})
}
