// Package notify implements the outbound message pipeline: a bounded
// FIFO queue with priority insertion, the single dispatcher that drains
// it into the bot delivery channel, and the interactive command poller.
package notify

import (
	"context"
	"sync"
)

// Message is one outbound text. ChatID zero means the configured default
// chat.
type Message struct {
	ChatID int64
	Text   string
}

// Queue is a bounded FIFO with priority front-insertion. Producers never
// block: when full, the oldest message is dropped to admit the new one.
// The dispatcher is the only consumer.
type Queue struct {
	mu       sync.Mutex
	items    []Message
	capacity int
	dropped  uint64
	notify   chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue appends a default-chat text message.
func (q *Queue) Enqueue(text string) {
	q.Push(Message{Text: text})
}

// Push appends a message at the tail.
func (q *Queue) Push(msg Message) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

// PushFront inserts a priority message at the head, ahead of everything
// queued. Used for interactive command responses.
func (q *Queue) PushFront(msg Message) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.items = q.items[:len(q.items)-1]
		q.dropped++
	}
	q.items = append([]Message{msg}, q.items...)
	q.mu.Unlock()
	q.signal()
}

// Pop blocks until a message is available or ctx is cancelled.
func (q *Queue) Pop(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many messages overflow has discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
