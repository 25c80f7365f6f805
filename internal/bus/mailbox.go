package bus

import (
	"sync"

	"github.com/zjrosen/stepcore/internal/log"
)

// MinMailboxCap is the minimum high-watermark a capped mailbox may use;
// smaller caps are raised to it. 0 means unbounded.
const MinMailboxCap = 10_000

// mailbox is a thread-safe FIFO of messages. Each subscription owns
// exactly one; a MultiSubscription's members share one.
type mailbox struct {
	mu      sync.Mutex
	entries []Message
	cap     int // 0 = unbounded
	signal  chan struct{}
}

func newMailbox(cap int) *mailbox {
	if cap > 0 && cap < MinMailboxCap {
		cap = MinMailboxCap
	}
	return &mailbox{cap: cap, signal: make(chan struct{}, 1)}
}

// enqueue appends a message, dropping the oldest entry with a logged
// warning if the mailbox is capped and full.
func (m *mailbox) enqueue(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cap > 0 && len(m.entries) >= m.cap {
		log.Warn(log.CatBus, "mailbox at capacity, dropping oldest message", "cap", m.cap, "topic", msg.Topic)
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, msg)

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// dequeue removes and returns the oldest message, if any.
func (m *mailbox) dequeue() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return Message{}, false
	}
	msg := m.entries[0]
	m.entries = m.entries[1:]
	return msg, true
}

// drain removes and returns up to max messages (all of them if max <= 0).
func (m *mailbox) drain(max int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return nil
	}
	if max <= 0 || max >= len(m.entries) {
		out := m.entries
		m.entries = nil
		return out
	}
	out := m.entries[:max]
	m.entries = m.entries[max:]
	return out
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
