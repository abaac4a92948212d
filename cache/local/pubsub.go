package local

import (
	"context"
	"sync"
)

// LocalMessage is an in-process pub/sub message.
type LocalMessage struct {
	Channel string
	Payload string
}

type subscriber struct {
	ch chan *LocalMessage
}

// LocalPubSub is an in-process fan-out pub/sub implementation. Delivery
// is non-blocking: a subscriber whose buffer is full misses the message,
// which mirrors the at-most-once behavior of a live Redis channel.
type LocalPubSub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	bufSize     int
}

// NewPubSub creates a new LocalPubSub with the given per-subscriber buffer size.
func NewPubSub(bufSize int) *LocalPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &LocalPubSub{
		subscribers: make(map[string]map[*subscriber]struct{}),
		bufSize:     bufSize,
	}
}

// Publish sends a message to all subscribers of the given channel.
func (ps *LocalPubSub) Publish(_ context.Context, channel, message string) error {
	msg := &LocalMessage{Channel: channel, Payload: message}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for s := range ps.subscribers[channel] {
		select {
		case s.ch <- msg:
		default:
			// Buffer full: drop rather than block the publisher.
		}
	}
	return nil
}

// Subscribe returns a channel of messages for the given channels, and a
// cancel function. Cancelling removes the subscription and closes the
// channel; a second cancel is a no-op.
func (ps *LocalPubSub) Subscribe(_ context.Context, channels ...string) (<-chan *LocalMessage, func(), error) {
	sub := &subscriber{ch: make(chan *LocalMessage, ps.bufSize)}

	ps.mu.Lock()
	for _, c := range channels {
		if ps.subscribers[c] == nil {
			ps.subscribers[c] = make(map[*subscriber]struct{})
		}
		ps.subscribers[c][sub] = struct{}{}
	}
	ps.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ps.mu.Lock()
			for _, c := range channels {
				delete(ps.subscribers[c], sub)
				if len(ps.subscribers[c]) == 0 {
					delete(ps.subscribers, c)
				}
			}
			ps.mu.Unlock()
			close(sub.ch)
		})
	}

	return sub.ch, cancel, nil
}
