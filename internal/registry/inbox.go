package registry

import (
	"context"
	"sync"
	"time"
)

// Message is one inbox entry awaiting an agent.
type Message struct {
	Content    string
	FromAgent  string // empty for channel/GUI senders
	TaskID     string
	Channel    string
	WSClientID string
	EnqueuedAt time.Time
}

// Inbox is an unbounded FIFO queue with a wake signal. Push never blocks
// and takes the mutex only for the append, so an agent can enqueue to
// itself from inside its own run loop without deadlocking.
type Inbox struct {
	mu    sync.Mutex
	queue []Message
	wake  chan struct{}
}

// NewInbox returns an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{wake: make(chan struct{}, 1)}
}

// Push appends a message and nudges any waiting consumer.
func (in *Inbox) Push(msg Message) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	in.mu.Lock()
	in.queue = append(in.queue, msg)
	in.mu.Unlock()

	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Pop removes the oldest message, waiting up to wait for one to arrive.
// Returns false on timeout or context cancellation.
func (in *Inbox) Pop(ctx context.Context, wait time.Duration) (Message, bool) {
	deadline := time.Now().Add(wait)
	for {
		in.mu.Lock()
		if len(in.queue) > 0 {
			msg := in.queue[0]
			in.queue = in.queue[1:]
			if len(in.queue) == 0 {
				in.queue = nil
			}
			in.mu.Unlock()
			return msg, true
		}
		in.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Message{}, false
		case <-in.wake:
			timer.Stop()
			// Re-check the queue; another consumer may have raced us.
		case <-timer.C:
			return Message{}, false
		}
	}
}

// Len reports the number of queued messages.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// Drain removes and returns everything queued, oldest first.
func (in *Inbox) Drain() []Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.queue
	in.queue = nil
	return out
}
