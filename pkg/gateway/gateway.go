// Package gateway moves inbound messages to the engine and replies back to
// the channel they came from.
package gateway

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/zhaopengme/mobaigate/pkg/bus"
	"github.com/zhaopengme/mobaigate/pkg/channels"
	"github.com/zhaopengme/mobaigate/pkg/engine"
	"github.com/zhaopengme/mobaigate/pkg/logger"
	"github.com/zhaopengme/mobaigate/pkg/utils"
)

// ChannelLookup resolves the channel a reply goes back to.
type ChannelLookup interface {
	GetChannel(name string) (channels.Channel, bool)
	GetEnabledChannels() []string
}

type Dispatcher struct {
	bus      bus.Subscriber
	channels ChannelLookup
	engine   engine.Engine
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher wires a dispatcher. A zero timeout leaves engine calls
// bounded only by the run context.
func NewDispatcher(sub bus.Subscriber, lookup ChannelLookup, eng engine.Engine, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		bus:      sub,
		channels: lookup,
		engine:   eng,
		timeout:  timeout,
	}
}

// Run consumes the bus until ctx ends or the bus closes, then waits for
// in-flight messages.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		d.wg.Add(1)
		go func(msg bus.InboundMessage) {
			defer d.wg.Done()
			d.dispatch(ctx, msg)
		}(msg)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("gateway", "Panic while dispatching message", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			})
		}
	}()

	ch, ok := d.channels.GetChannel(msg.Channel)
	if !ok {
		logger.WarnCF("gateway", "Message from unknown channel dropped", map[string]interface{}{
			"channel": msg.Channel,
		})
		return
	}

	logger.DebugCF("gateway", "Dispatching message", map[string]interface{}{
		"channel":        msg.Channel,
		"sender_id":      msg.SenderID,
		"correlation_id": msg.CorrelationID,
		"preview":        utils.Truncate(msg.Content, 50),
	})

	reply, handled := d.handleCommand(msg)
	if !handled {
		var err error
		reply, err = d.ask(ctx, msg)
		if err != nil {
			logger.ErrorCF("gateway", "Engine failed", map[string]interface{}{
				"channel":        msg.Channel,
				"correlation_id": msg.CorrelationID,
				"error":          err.Error(),
			})
			return
		}
	}
	if reply == "" {
		logger.DebugCF("gateway", "Empty reply, nothing to send", map[string]interface{}{
			"channel":        msg.Channel,
			"correlation_id": msg.CorrelationID,
		})
		return
	}

	if err := ch.Send(ctx, msg.Reply(reply)); err != nil {
		logger.ErrorCF("gateway", "Send failed", map[string]interface{}{
			"channel":        msg.Channel,
			"correlation_id": msg.CorrelationID,
			"error":          err.Error(),
		})
	}
}

func (d *Dispatcher) ask(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.engine.Reply(ctx, engine.Request{
		ChannelID:      msg.Channel,
		ConversationID: msg.ChatID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
	})
}

func (d *Dispatcher) handleCommand(msg bus.InboundMessage) (string, bool) {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "/") {
		return "", false
	}
	parts := strings.Fields(content)

	switch parts[0] {
	case "/ping":
		return "pong", true
	case "/help":
		return `/ping - Check the gateway is alive
/channels - List enabled channels
/help - Show this help message`, true
	case "/channels":
		names := d.channels.GetEnabledChannels()
		if len(names) == 0 {
			return "No channels enabled", true
		}
		return fmt.Sprintf("Enabled channels: %s", strings.Join(names, ", ")), true
	}
	return "", false
}
