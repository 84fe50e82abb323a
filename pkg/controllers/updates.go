package controllers

import (
	"sync"

	"github.com/killallgit/thrive/pkg/chat"
)

// UpdateType tells subscribers what changed
type UpdateType int

const (
	TurnStarted UpdateType = iota
	MessagesChanged
	ConversationChanged
	TurnCompleted
	TurnFailed
)

func (t UpdateType) String() string {
	switch t {
	case TurnStarted:
		return "turn_started"
	case MessagesChanged:
		return "messages_changed"
	case ConversationChanged:
		return "conversation_changed"
	case TurnCompleted:
		return "turn_completed"
	case TurnFailed:
		return "turn_failed"
	default:
		return "unknown"
	}
}

// Update is one notification delivered to subscribers. Messages is a
// snapshot shared by every subscriber; treat it as read-only.
type Update struct {
	Type           UpdateType
	Messages       []chat.Message
	ConversationID string
	Err            error
}

const subscriberBuffer = 64

type subscription struct {
	ch   chan Update
	done chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newSubscription() *subscription {
	return &subscription{
		ch:   make(chan Update, subscriberBuffer),
		done: make(chan struct{}),
	}
}

// deliver blocks until the update is queued or the subscriber leaves
func (s *subscription) deliver(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- u:
	case <-s.done:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscription
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]*subscription)}
}

func (b *broadcaster) subscribe() (<-chan Update, func()) {
	sub := newSubscription()

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
}

func (b *broadcaster) publish(u Update) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(u)
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
