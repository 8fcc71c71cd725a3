package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishConsume(t *testing.T) {
	mb := NewMessageBus(1)
	ctx := context.Background()

	in := InboundMessage{Channel: "dt", SenderID: "u1", ChatID: "c1", Content: "hi", CorrelationID: "m1"}
	require.NoError(t, mb.PublishInbound(ctx, in))

	got, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, in, got)

	out := got.Reply("hello")
	assert.Equal(t, "dt", out.Channel)
	assert.Equal(t, "c1", out.ChatID)
	assert.Equal(t, "m1", out.CorrelationID)
	assert.Equal(t, "hello", out.Content)
}

func TestPublishHonoursContextWhenFull(t *testing.T) {
	mb := NewMessageBus(1)
	require.NoError(t, mb.PublishInbound(context.Background(), InboundMessage{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := mb.PublishInbound(ctx, InboundMessage{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	mb := NewMessageBus(1)
	mb.Close()
	mb.Close()

	assert.ErrorIs(t, mb.PublishInbound(context.Background(), InboundMessage{}), ErrClosed)
	_, ok := mb.ConsumeInbound(context.Background())
	assert.False(t, ok)
}
