package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// target describes one topic a subscription's mailbox was registered
// against, so Close can detach it precisely.
type target struct {
	topic    string
	wildcard bool
}

// Subscription owns one mailbox and is closable exactly once. It may
// target a single exact topic or a single wildcard prefix ("prefix.*").
type Subscription struct {
	bus    *WorkerBus
	mbox   *mailbox
	target target

	closeOnce sync.Once
	closed    atomic.Bool
}

// Topic returns the topic (or "prefix.*" wildcard) this subscription targets.
func (s *Subscription) Topic() string {
	if s.target.wildcard {
		return s.target.topic + ".*"
	}
	return s.target.topic
}

// TryRecv returns the next queued message without blocking.
func (s *Subscription) TryRecv() (Message, bool) {
	return s.mbox.dequeue()
}

// Drain removes and returns up to max queued messages (all, if max <= 0).
func (s *Subscription) Drain(max int) []Message {
	return s.mbox.drain(max)
}

// Len reports how many messages are currently queued.
func (s *Subscription) Len() int {
	return s.mbox.len()
}

// Recv blocks until a message arrives or ctx is done, polling the
// mailbox — used by the synchronous worker helpers' deadline-bound
// wait. Callers should derive ctx from context.WithTimeout for a
// bounded wait; a ctx with no deadline blocks until a message arrives.
func (s *Subscription) Recv(ctx context.Context) (Message, bool) {
	if msg, ok := s.mbox.dequeue(); ok {
		return msg, true
	}
	for {
		select {
		case <-s.mbox.signal:
			if msg, ok := s.mbox.dequeue(); ok {
				return msg, true
			}
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// Close unsubscribes and is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.bus.unsubscribe(s.target, s.mbox)
	})
	return nil
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	return s.closed.Load()
}

// MultiSubscription is a collection of subscriptions sharing one mailbox;
// closing it closes every member subscription.
type MultiSubscription struct {
	bus     *WorkerBus
	mbox    *mailbox
	targets []target

	closeOnce sync.Once
	closed    atomic.Bool
}

// TryRecv returns the next queued message without blocking.
func (m *MultiSubscription) TryRecv() (Message, bool) {
	return m.mbox.dequeue()
}

// Drain removes and returns up to max queued messages (all, if max <= 0).
func (m *MultiSubscription) Drain(max int) []Message {
	return m.mbox.drain(max)
}

// Len reports how many messages are currently queued.
func (m *MultiSubscription) Len() int {
	return m.mbox.len()
}

// Recv blocks until a message arrives or ctx is done.
func (m *MultiSubscription) Recv(ctx context.Context) (Message, bool) {
	if msg, ok := m.mbox.dequeue(); ok {
		return msg, true
	}
	for {
		select {
		case <-m.mbox.signal:
			if msg, ok := m.mbox.dequeue(); ok {
				return msg, true
			}
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// Close unsubscribes every member topic and is safe to call more than once.
func (m *MultiSubscription) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		for _, t := range m.targets {
			m.bus.unsubscribe(t, m.mbox)
		}
	})
	return nil
}

// Closed reports whether Close has been called.
func (m *MultiSubscription) Closed() bool {
	return m.closed.Load()
}
