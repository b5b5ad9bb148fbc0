// Package comments moves provider chat messages from the listeners that
// receive them to the worker that persists them. The queue decouples the
// two so a slow datastore never stalls a chat connection.
package comments

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Comment is one chat message received from a provider during a broadcast.
type Comment struct {
	ID                 string    `json:"id"`
	BroadcastChannelID string    `json:"broadcastChannelId"`
	Provider           string    `json:"provider"`
	Name               string    `json:"name"`
	Content            string    `json:"content"`
	IsAdmin            bool      `json:"isAdmin"`
	PublishedAt        time.Time `json:"publishedAt"`
}

// Queue fans comments out to interested subscribers. The memory queue serves
// single-process deployments and tests; the Redis queue spans instances.
type Queue interface {
	Publish(ctx context.Context, comment Comment) error
	Subscribe() Subscription
}

// Subscription represents an active comment stream.
type Subscription interface {
	Comments() <-chan Comment
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, comment Comment) error {
	if comment.BroadcastChannelID == "" {
		return errors.New("broadcast channel id is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- comment:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking so a stalled consumer cannot
			// back-pressure the chat connection.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Comment, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Comment
}

func (s *memorySubscription) Comments() <-chan Comment {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
