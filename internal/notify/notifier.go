// Package notify provides an in-process notification bus that tells
// subscribers when continuous views change.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	// ViewUpdated is published after a worker applied a batch to a view.
	ViewUpdated NotificationType = iota
	// QueryFailed is published when a view discarded a batch.
	QueryFailed
)

func (t NotificationType) String() string {
	switch t {
	case ViewUpdated:
		return "view_updated"
	case QueryFailed:
		return "query_failed"
	default:
		return "unknown"
	}
}

// Notification describes one change to a view.
type Notification struct {
	Type      NotificationType
	View      string
	Worker    int
	Rows      int
	Timestamp int64
}

// Notifier provides pub/sub delivery of view notifications.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a notifier whose subscriber channels hold bufferSize
// notifications.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all matching subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp == 0 {
		notif.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(notif.View) {
			select {
			case sub.Ch <- notif:
			default:
			}
		}
		return true
	})
}

// Subscribe adds a subscriber for the named views. No views subscribes to
// every view.
func (n *Notifier) Subscribe(id string, views []string) *Subscriber {
	sub := &Subscriber{
		ID:    id,
		Views: views,
		Ch:    make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a subscriber with a generated ID.
func (n *Notifier) SubscribeAutoID(views ...string) *Subscriber {
	return n.Subscribe("sub_"+uuid.NewString(), views)
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		close(value.(*Subscriber).Ch)
	}
}

// Close unsubscribes everyone.
func (n *Notifier) Close() error {
	n.subscribers.Range(func(key, _ interface{}) bool {
		n.Unsubscribe(key.(string))
		return true
	})
	return nil
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID    string
	Views []string
	Ch    chan Notification
}

func (s *Subscriber) matches(view string) bool {
	if len(s.Views) == 0 {
		return true
	}
	for _, v := range s.Views {
		if strings.EqualFold(v, view) {
			return true
		}
	}
	return false
}
