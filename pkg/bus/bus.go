package bus

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("message bus closed")

// MessageBus fans inbound messages from every channel into one queue.
// Replies do not travel through the bus; the dispatcher calls the origin
// channel directly.
type MessageBus struct {
	inbound chan InboundMessage
	closed  bool
	mu      sync.RWMutex
}

func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &MessageBus{
		inbound: make(chan InboundMessage, buffer),
	}
}

// PublishInbound blocks while the queue is full, until ctx is done.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrClosed
	}
	select {
	case mb.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
}
