// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/payload"

	"github.com/zhaopengme/mobaigate/pkg/auth"
	"github.com/zhaopengme/mobaigate/pkg/bus"
	"github.com/zhaopengme/mobaigate/pkg/config"
	"github.com/zhaopengme/mobaigate/pkg/errs"
	"github.com/zhaopengme/mobaigate/pkg/logger"
	"github.com/zhaopengme/mobaigate/pkg/utils"
)

type ConnectorState int32

const (
	StateIdle ConnectorState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateStopped
)

func (s ConnectorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var errServerDisconnect = errors.New("server requested disconnect")

var unsupportedMediaHints = map[string]string{
	"picture": "Got your picture. This assistant only reads text for now, please describe it in words.",
	"audio":   "Got your voice message. This assistant only reads text for now, please type it instead.",
	"video":   "Got your video. This assistant only reads text for now, please summarize it in words.",
	"file":    "Got your file. This assistant only reads text for now, please paste the relevant part.",
}

// streamConn is one websocket session. Writes are serialized by writeMu.
type streamConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (s *streamConn) writeJSON(v interface{}, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(timeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *streamConn) ping(timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// close sends a close frame once and tears the socket down.
func (s *streamConn) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.ws.Close()
}

// pendingReply is an accepted message still inside its reply window.
type pendingReply struct {
	conn     *streamConn
	deadline time.Time
	timer    *time.Timer
	webhook  string
	expired  bool
}

// DingTalkChannel is the streaming connector for DingTalk Stream robots.
type DingTalkChannel struct {
	*BaseChannel
	config  config.DingTalkConfig
	tokens  *auth.TokenCache
	client  *http.Client
	dialer  *websocket.Dialer
	replier *chatbot.ChatbotReplier

	// wait sleeps for d and reports false if ctx ended first.
	wait func(ctx context.Context, d time.Duration) bool
	now  func() time.Time

	state  atomic.Int32
	failed atomic.Bool

	mu     sync.Mutex
	conn   *streamConn
	cancel context.CancelFunc
	done   chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingReply
}

func NewDingTalkChannel(cfg config.DingTalkConfig, messageBus bus.Publisher, tokens *auth.TokenCache) (*DingTalkChannel, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &DingTalkChannel{
		BaseChannel: NewBaseChannel(cfg.ID, KindStreaming, messageBus, cfg.AllowFrom),
		config:      cfg,
		tokens:      tokens,
		client:      &http.Client{Timeout: config.Seconds(cfg.HandshakeTimeout)},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.Seconds(cfg.HandshakeTimeout),
		},
		replier: chatbot.NewChatbotReplier(),
		wait:    sleepCtx,
		now:     time.Now,
		pending: make(map[string]*pendingReply),
	}
	tokens.Register(cfg.ID, c)
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *DingTalkChannel) State() ConnectorState {
	return ConnectorState(c.state.Load())
}

func (c *DingTalkChannel) setState(s ConnectorState) {
	old := ConnectorState(c.state.Swap(int32(s)))
	if old != s {
		logger.DebugCF(c.Name(), "State change", map[string]interface{}{
			"from": old.String(),
			"to":   s.String(),
		})
	}
}

func (c *DingTalkChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return fmt.Errorf("%s: already started", c.Name())
	}

	logger.InfoCF(c.Name(), "Starting DingTalk stream channel", map[string]interface{}{
		"client_id": c.config.ClientID,
	})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.failed.Store(false)
	c.setRunning(true)

	go c.run(runCtx, c.done)
	return nil
}

// Stop closes the live socket with a close frame and stops reconnecting.
func (c *DingTalkChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		c.setState(StateStopped)
		return nil
	}
	logger.InfoC(c.Name(), "Stopping DingTalk stream channel")
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	c.clearPending()
	c.setRunning(false)
	logger.InfoC(c.Name(), "DingTalk stream channel stopped")
	return nil
}

func (c *DingTalkChannel) Health() Health {
	h := c.baseHealth()
	h.State = c.State().String()
	if c.failed.Load() {
		h.State = "failed"
	}
	return h
}

// Probe checks credentials and the handshake without opening the socket.
func (c *DingTalkChannel) Probe(ctx context.Context) error {
	tok, err := c.FetchToken(ctx)
	if err != nil {
		return err
	}
	_, err = c.openConnection(ctx, tok.AccessToken)
	return err
}

// run drives Connecting -> Connected -> Backoff until ctx ends or
// authentication fails MaxAuthRetries times in a row.
func (c *DingTalkChannel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StateStopped)

	backoff := NewBackoff(config.Seconds(c.config.BackoffInitial), config.Seconds(c.config.BackoffMax))
	authFailures := 0

	for ctx.Err() == nil {
		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.recordError(err)
			if errors.Is(err, errs.ErrAuth) {
				authFailures++
				if authFailures >= c.config.MaxAuthRetries {
					c.failed.Store(true)
					logger.ErrorCF(c.Name(), "Authentication keeps failing, channel marked failed", map[string]interface{}{
						"attempts": authFailures,
						"error":    err.Error(),
					})
					return
				}
			} else {
				authFailures = 0
			}

			d := backoff.Next()
			logger.WarnCF(c.Name(), "Connect failed, backing off", map[string]interface{}{
				"error": err.Error(),
				"delay": d.String(),
			})
			c.setState(StateBackoff)
			if !c.wait(ctx, d) {
				return
			}
			continue
		}

		backoff.Reset()
		authFailures = 0
		c.setState(StateConnected)
		logger.InfoC(c.Name(), "Stream connected")

		err = c.serve(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}

		c.recordError(err)
		d := backoff.Next()
		logger.WarnCF(c.Name(), "Stream dropped, reconnecting", map[string]interface{}{
			"error": err.Error(),
			"delay": d.String(),
		})
		c.setState(StateBackoff)
		if !c.wait(ctx, d) {
			return
		}
	}
}

// connect obtains a token, performs the handshake and dials the socket, all
// within HandshakeTimeout.
func (c *DingTalkChannel) connect(ctx context.Context) (*streamConn, error) {
	hctx, cancel := context.WithTimeout(ctx, config.Seconds(c.config.HandshakeTimeout))
	defer cancel()

	tok, err := c.tokens.GetOrRefresh(hctx, c.Name())
	if err != nil {
		return nil, err
	}

	endpoint, err := c.openConnection(hctx, tok.Value)
	if err != nil {
		return nil, err
	}

	ws, _, err := c.dialer.DialContext(hctx, endpoint, nil)
	if err != nil {
		return nil, errs.New(errs.ErrTransport, c.Name(), "dial", err)
	}

	timeout := config.Seconds(c.config.HeartbeatTimeout)
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(timeout))
	})

	conn := &streamConn{ws: ws}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// detach forgets conn and fails every reply still bound to it.
func (c *DingTalkChannel) detach(conn *streamConn) {
	conn.close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, p := range c.pending {
		if p.conn == conn && !p.expired {
			p.timer.Stop()
			delete(c.pending, id)
		}
	}
	c.pendingMu.Unlock()
}

func (c *DingTalkChannel) currentConn() *streamConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// serve reads frames until the socket fails, the heartbeat times out, the
// server asks to disconnect, or ctx ends.
func (c *DingTalkChannel) serve(ctx context.Context, conn *streamConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-connCtx.Done()
		conn.close()
	}()
	go c.heartbeat(connCtx, conn)

	timeout := config.Seconds(c.config.HeartbeatTimeout)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return errs.New(errs.ErrTransport, c.Name(), "read", err)
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(timeout))

		var frame payload.DataFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.WarnCF(c.Name(), "Undecodable frame", map[string]interface{}{
				"error":  err.Error(),
				"length": len(data),
			})
			continue
		}

		if err := c.handleFrame(ctx, conn, &frame); err != nil {
			return err
		}
	}
}

func (c *DingTalkChannel) heartbeat(ctx context.Context, conn *streamConn) {
	ticker := time.NewTicker(config.Seconds(c.config.HeartbeatInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(5 * time.Second); err != nil {
				logger.DebugCF(c.Name(), "Ping write failed, stopping heartbeat", map[string]interface{}{
					"error": err.Error(),
				})
				return
			}
		}
	}
}

func (c *DingTalkChannel) handleFrame(ctx context.Context, conn *streamConn, frame *payload.DataFrame) error {
	messageID := frame.Headers["messageId"]
	topic := frame.Headers["topic"]

	logger.DebugCF(c.Name(), "Frame received", map[string]interface{}{
		"type":       frame.Type,
		"topic":      topic,
		"message_id": messageID,
	})

	switch frame.Type {
	case "SYSTEM":
		switch topic {
		case "ping":
			return c.respond(conn, messageID, frame.Data)
		case "disconnect":
			return errs.New(errs.ErrTransport, c.Name(), "read", errServerDisconnect)
		}
		return nil
	case "EVENT":
		return c.respond(conn, messageID, `{"status":"SUCCESS","message":"success"}`)
	case "CALLBACK":
		if topic != dingtalkBotTopic {
			return c.respond(conn, messageID, "")
		}
		c.handleRobotMessage(ctx, conn, messageID, frame.Data)
		return nil
	default:
		logger.DebugCF(c.Name(), "Ignoring frame type", map[string]interface{}{
			"type": frame.Type,
		})
		return nil
	}
}

// respond writes a success response frame for messageID. Write failures
// mean the socket is gone and end the session.
func (c *DingTalkChannel) respond(conn *streamConn, messageID, data string) error {
	resp := payload.DataFrameResponse{
		Code: 200,
		Headers: payload.DataFrameHeader{
			"contentType": "application/json",
			"messageId":   messageID,
		},
		Message: "OK",
		Data:    data,
	}
	if err := conn.writeJSON(resp, 5*time.Second); err != nil {
		return errs.New(errs.ErrTransport, c.Name(), "write", err)
	}
	return nil
}

func (c *DingTalkChannel) handleRobotMessage(ctx context.Context, conn *streamConn, messageID, data string) {
	var msg chatbot.BotCallbackDataModel
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		logger.WarnCF(c.Name(), "Undecodable robot message", map[string]interface{}{
			"error":      err.Error(),
			"message_id": messageID,
		})
		_ = c.respond(conn, messageID, "")
		return
	}

	senderID := msg.SenderStaffId
	if senderID == "" {
		senderID = msg.SenderId
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	if hint, ok := unsupportedMediaHints[msg.Msgtype]; ok {
		_ = c.respond(conn, messageID, "")
		if c.IsAllowed(senderID) {
			go func() {
				hctx, cancel := context.WithTimeout(context.Background(), config.Seconds(c.config.HandshakeTimeout))
				defer cancel()
				if err := c.replyViaSessionWebhook(hctx, msg.SessionWebhook, hint); err != nil {
					logger.WarnCF(c.Name(), "Failed to send unsupported media hint", map[string]interface{}{
						"msg_type": msg.Msgtype,
						"error":    err.Error(),
					})
				}
			}()
		}
		return
	}

	content := strings.TrimSpace(msg.Text.Content)
	if msg.Msgtype != "text" || content == "" {
		logger.DebugCF(c.Name(), "Skipping non-text robot message", map[string]interface{}{
			"msg_type": msg.Msgtype,
		})
		_ = c.respond(conn, messageID, "")
		return
	}

	// Register first so a fast reply cannot race the bookkeeping.
	c.addPending(conn, messageID, msg.SessionWebhook)

	inbound := bus.InboundMessage{
		SenderID:      senderID,
		ChatID:        msg.ConversationId,
		Content:       content,
		CorrelationID: messageID,
		ReceivedAt:    c.now(),
		Metadata: map[string]string{
			"msg_id":            msg.MsgId,
			"sender_nick":       msg.SenderNick,
			"conversation_type": msg.ConversationType,
			"platform":          "dingtalk",
		},
	}

	accepted, err := c.HandleMessage(ctx, inbound)
	if err != nil {
		logger.ErrorCF(c.Name(), "Failed to publish message", map[string]interface{}{
			"message_id": messageID,
			"error":      err.Error(),
		})
	}
	if !accepted || err != nil {
		if p := c.takePending(messageID); p != nil {
			_ = c.respond(conn, messageID, "")
		}
	}
}

func (c *DingTalkChannel) addPending(conn *streamConn, messageID, webhook string) {
	window := config.Seconds(c.config.ReplyWindow)
	p := &pendingReply{
		conn:     conn,
		deadline: c.now().Add(window),
		webhook:  webhook,
	}
	p.timer = time.AfterFunc(window, func() { c.expirePending(messageID, p) })

	c.pendingMu.Lock()
	c.pending[messageID] = p
	c.pendingMu.Unlock()
}

// takePending removes a live entry so exactly one caller answers it.
func (c *DingTalkChannel) takePending(messageID string) *pendingReply {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[messageID]
	if !ok || p.expired {
		return nil
	}
	p.timer.Stop()
	delete(c.pending, messageID)
	return p
}

// expirePending closes the window with an empty ack. With session webhook
// fallback the entry lingers so a late reply can still be delivered.
func (c *DingTalkChannel) expirePending(messageID string, p *pendingReply) {
	c.pendingMu.Lock()
	cur, ok := c.pending[messageID]
	if !ok || cur != p || p.expired {
		c.pendingMu.Unlock()
		return
	}
	if c.config.SessionWebhookFallback && p.webhook != "" {
		p.expired = true
		time.AfterFunc(lateReplyTTL, func() {
			c.pendingMu.Lock()
			if c.pending[messageID] == p {
				delete(c.pending, messageID)
			}
			c.pendingMu.Unlock()
		})
	} else {
		delete(c.pending, messageID)
	}
	c.pendingMu.Unlock()

	_ = c.respond(p.conn, messageID, "")
	logger.WarnCF(c.Name(), "Reply window elapsed", map[string]interface{}{
		"message_id": messageID,
		"error":      errs.New(errs.ErrReplyTimeout, c.Name(), "reply", nil).Error(),
	})
}

// lateReplyTTL bounds how long an expired entry waits for a fallback reply.
const lateReplyTTL = 10 * time.Minute

// latePending returns the entry for messageID if its window has already
// closed and it waits for a session webhook reply.
func (c *DingTalkChannel) latePending(messageID string) *pendingReply {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[messageID]
	if !ok || !p.expired {
		return nil
	}
	return p
}

func (c *DingTalkChannel) clearPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
}

// Send writes the reply frame for msg.CorrelationID over the live socket.
func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	conn := c.currentConn()
	if conn == nil {
		if p := c.latePending(msg.CorrelationID); p != nil {
			return c.sendLate(ctx, msg, p)
		}
		err := errs.New(errs.ErrTransport, c.Name(), "send", errors.New("no open stream connection"))
		c.logDropped(msg, err)
		return err
	}

	p := c.takePending(msg.CorrelationID)
	if p == nil {
		if late := c.latePending(msg.CorrelationID); late != nil {
			return c.sendLate(ctx, msg, late)
		}
		err := errs.New(errs.ErrReplyTimeout, c.Name(), "send", errors.New("reply window closed"))
		c.logDropped(msg, err)
		return err
	}
	if p.conn != conn {
		err := errs.New(errs.ErrTransport, c.Name(), "send", errors.New("connection changed since message arrived"))
		c.logDropped(msg, err)
		return err
	}

	remaining := p.deadline.Sub(c.now())
	if remaining <= 0 {
		_ = c.respond(conn, msg.CorrelationID, "")
		err := errs.New(errs.ErrReplyTimeout, c.Name(), "send", nil)
		c.logDropped(msg, err)
		return err
	}
	if d, ok := ctx.Deadline(); ok && time.Until(d) < remaining {
		remaining = time.Until(d)
	}

	body, err := json.Marshal(map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": msg.Content},
	})
	if err != nil {
		return err
	}
	resp := payload.DataFrameResponse{
		Code: 200,
		Headers: payload.DataFrameHeader{
			"contentType": "application/json",
			"messageId":   msg.CorrelationID,
		},
		Message: "OK",
		Data:    string(body),
	}
	if err := conn.writeJSON(resp, remaining); err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			err = errs.New(errs.ErrReplyTimeout, c.Name(), "send", err)
		} else {
			err = errs.New(errs.ErrTransport, c.Name(), "send", err)
		}
		c.logDropped(msg, err)
		return err
	}

	logger.DebugCF(c.Name(), "Reply sent", map[string]interface{}{
		"message_id": msg.CorrelationID,
		"preview":    utils.Truncate(msg.Content, 100),
	})
	return nil
}

func (c *DingTalkChannel) sendLate(ctx context.Context, msg bus.OutboundMessage, p *pendingReply) error {
	c.pendingMu.Lock()
	if c.pending[msg.CorrelationID] == p {
		delete(c.pending, msg.CorrelationID)
	}
	c.pendingMu.Unlock()

	if err := c.replyViaSessionWebhook(ctx, p.webhook, msg.Content); err != nil {
		c.logDropped(msg, err)
		return err
	}
	logger.InfoCF(c.Name(), "Late reply delivered through session webhook", map[string]interface{}{
		"message_id": msg.CorrelationID,
	})
	return nil
}

func (c *DingTalkChannel) logDropped(msg bus.OutboundMessage, err error) {
	logger.WarnCF(c.Name(), "Reply dropped", map[string]interface{}{
		"message_id": msg.CorrelationID,
		"chat_id":    msg.ChatID,
		"error":      err.Error(),
	})
}
