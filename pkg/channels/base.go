// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package channels

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhaopengme/mobaigate/pkg/bus"
	"github.com/zhaopengme/mobaigate/pkg/errs"
	"github.com/zhaopengme/mobaigate/pkg/logger"
	"github.com/zhaopengme/mobaigate/pkg/utils"
)

// Kind tags the two transport shapes a channel can take.
type Kind string

const (
	KindStreaming Kind = "streaming"
	KindWebhook   Kind = "webhook"
)

// Channel is the capability set the dispatcher and manager depend on.
type Channel interface {
	Name() string
	Kind() Kind
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	Health() Health
}

// Prober is implemented by channels that can check credentials and
// connectivity without entering their long-running loop.
type Prober interface {
	Probe(ctx context.Context) error
}

type Health struct {
	Channel   string    `json:"channel"`
	Kind      Kind      `json:"kind"`
	Running   bool      `json:"running"`
	State     string    `json:"state,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	ErrorAt   time.Time `json:"error_at,omitempty"`
	Received  int64     `json:"received"`
	Rejected  int64     `json:"rejected"`
}

type BaseChannel struct {
	name      string
	kind      Kind
	bus       bus.Publisher
	allowList []string
	running   atomic.Bool

	received atomic.Int64
	rejected atomic.Int64

	errMu   sync.Mutex
	lastErr error
	errAt   time.Time
}

func NewBaseChannel(name string, kind Kind, messageBus bus.Publisher, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		kind:      kind,
		bus:       messageBus,
		allowList: append([]string(nil), allowList...),
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) Kind() Kind {
	return c.kind
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	return IsAllowed(senderID, c.allowList)
}

func (c *BaseChannel) recordError(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	c.lastErr = err
	c.errAt = time.Now()
	c.errMu.Unlock()
}

// baseHealth fills the fields every channel shares.
func (c *BaseChannel) baseHealth() Health {
	h := Health{
		Channel:  c.name,
		Kind:     c.kind,
		Running:  c.IsRunning(),
		Received: c.received.Load(),
		Rejected: c.rejected.Load(),
	}
	c.errMu.Lock()
	if c.lastErr != nil {
		h.LastError = c.lastErr.Error()
		h.ErrorAt = c.errAt
	}
	c.errMu.Unlock()
	return h
}

// HandleMessage is the only path from a connector to the bus. It returns
// false without publishing when the sender is not on the allow-list.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg bus.InboundMessage) (bool, error) {
	msg.Channel = c.name
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	if !c.IsAllowed(msg.SenderID) {
		c.rejected.Add(1)
		logger.WarnCF(c.name, "Message rejected", map[string]interface{}{
			"sender_id":      msg.SenderID,
			"correlation_id": msg.CorrelationID,
			"error":          errs.New(errs.ErrAuthorization, c.name, "receive", nil).Error(),
		})
		return false, nil
	}

	c.received.Add(1)
	logger.DebugCF(c.name, "Message accepted", map[string]interface{}{
		"sender_id":      msg.SenderID,
		"chat_id":        msg.ChatID,
		"correlation_id": msg.CorrelationID,
		"preview":        utils.Truncate(msg.Content, 50),
	})

	if err := c.bus.PublishInbound(ctx, msg); err != nil {
		return true, err
	}
	return true, nil
}
