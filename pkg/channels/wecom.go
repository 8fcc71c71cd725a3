// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package channels

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/zhaopengme/mobaigate/pkg/auth"
	"github.com/zhaopengme/mobaigate/pkg/bus"
	"github.com/zhaopengme/mobaigate/pkg/config"
	"github.com/zhaopengme/mobaigate/pkg/errs"
	"github.com/zhaopengme/mobaigate/pkg/logger"
	"github.com/zhaopengme/mobaigate/pkg/utils"
)

// ErrMalformed marks requests that cannot be parsed at all.
var ErrMalformed = errors.New("malformed request")

const maxWebhookBody = 1 << 20

// Ack is the synchronous answer to a delivery.
type Ack struct {
	Body        []byte
	ContentType string
}

// WeComXMLMessage is the decrypted callback message.
type WeComXMLMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgId        int64    `xml:"MsgId"`
	AgentID      int64    `xml:"AgentID"`
	MediaId      string   `xml:"MediaId"`
	Event        string   `xml:"Event"`
}

type weComEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	Encrypt    string   `xml:"Encrypt"`
	AgentID    string   `xml:"AgentID"`
}

// WeComChannel is the webhook connector for a WeCom self-built app. Inbound
// traffic arrives as encrypted callbacks; replies are pushed through the
// message/send API.
type WeComChannel struct {
	*BaseChannel
	config config.WeComConfig
	crypto *WeComCrypto
	tokens *auth.TokenCache
	client *http.Client
	dedup  *dedupRing
	now    func() time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func NewWeComChannel(cfg config.WeComConfig, messageBus bus.Publisher, tokens *auth.TokenCache) (*WeComChannel, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	crypto, err := NewWeComCrypto(cfg.Token, cfg.EncodingAESKey, cfg.CorpID)
	if err != nil {
		return nil, errs.New(errs.ErrConfig, cfg.ID, "aes key", err)
	}

	c := &WeComChannel{
		BaseChannel: NewBaseChannel(cfg.ID, KindWebhook, messageBus, cfg.AllowFrom),
		config:      cfg,
		crypto:      crypto,
		tokens:      tokens,
		client:      &http.Client{Timeout: config.Seconds(cfg.ReplyTimeout)},
		dedup:       newDedupRing(1000),
		now:         time.Now,
	}
	tokens.Register(cfg.ID, c)
	return c, nil
}

// HandleVerification answers the URL verification challenge with the
// decrypted echostr.
func (c *WeComChannel) HandleVerification(signature, timestamp, nonce, echostr string) (string, error) {
	plain, err := c.crypto.DecryptAndVerify(signature, timestamp, nonce, echostr)
	if err != nil {
		c.logSecurity("verify", err)
		return "", err
	}
	return plain, nil
}

// HandleDelivery verifies and decrypts one callback, forwards it when the
// sender is allowed, and returns the acknowledgement to write back at once.
func (c *WeComChannel) HandleDelivery(ctx context.Context, signature, timestamp, nonce string, body []byte) (Ack, error) {
	var env weComEnvelope
	if err := xml.Unmarshal(body, &env); err != nil || env.Encrypt == "" {
		if err == nil {
			err = errors.New("missing Encrypt element")
		}
		return Ack{}, errs.New(ErrMalformed, c.Name(), "envelope", err)
	}

	plain, err := c.crypto.DecryptAndVerify(signature, timestamp, nonce, env.Encrypt)
	if err != nil {
		c.logSecurity("deliver", err)
		return Ack{}, err
	}

	var msg WeComXMLMessage
	if err := xml.Unmarshal([]byte(plain), &msg); err != nil {
		return Ack{}, errs.New(ErrMalformed, c.Name(), "message", err)
	}

	if msg.MsgType != "text" {
		logger.DebugCF(c.Name(), "Skipping non-text message", map[string]interface{}{
			"msg_type": msg.MsgType,
			"event":    msg.Event,
		})
		return c.ack(), nil
	}

	msgID := strconv.FormatInt(msg.MsgId, 10)
	if c.dedup.Seen(msgID) {
		logger.DebugCF(c.Name(), "Skipping duplicate message", map[string]interface{}{
			"msg_id": msgID,
		})
		return c.ack(), nil
	}

	correlationID := msgID
	if msg.MsgId == 0 {
		correlationID = fmt.Sprintf("%s-%d", msg.FromUserName, msg.CreateTime)
	}

	inbound := bus.InboundMessage{
		SenderID:      msg.FromUserName,
		ChatID:        msg.FromUserName,
		Content:       msg.Content,
		CorrelationID: correlationID,
		ReceivedAt:    c.now(),
		Metadata: map[string]string{
			"msg_id":      msgID,
			"agent_id":    strconv.FormatInt(msg.AgentID, 10),
			"create_time": strconv.FormatInt(msg.CreateTime, 10),
			"platform":    "wecom",
		},
	}

	accepted, err := c.HandleMessage(ctx, inbound)
	if err != nil {
		// Not acked, so WeCom redelivers; the retry must not look like a duplicate.
		c.dedup.Forget(msgID)
		logger.ErrorCF(c.Name(), "Failed to publish message", map[string]interface{}{
			"msg_id": msgID,
			"error":  err.Error(),
		})
		return Ack{}, errs.New(errs.ErrTransport, c.Name(), "publish", err)
	}
	if !accepted {
		return Ack{ContentType: "text/plain; charset=utf-8"}, nil
	}
	return c.ack(), nil
}

func (c *WeComChannel) ack() Ack {
	if c.config.EncryptedAck {
		body, err := c.crypto.EncryptedReply("")
		if err == nil {
			return Ack{Body: body, ContentType: "application/xml; charset=utf-8"}
		}
		logger.WarnCF(c.Name(), "Encrypted ack failed, falling back to plain", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return Ack{Body: []byte("success"), ContentType: "text/plain; charset=utf-8"}
}

func (c *WeComChannel) logSecurity(op string, err error) {
	logger.WarnCF(c.Name(), "Rejected callback, possible integrity violation", map[string]interface{}{
		"op":    op,
		"error": err.Error(),
	})
}

// Handler routes GET and POST on the webhook path to the handle functions
// and exposes a health document on /health/<id>.
func (c *WeComChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(c.config.WebhookPath, c.handleWebhook)
	mux.HandleFunc("/health/"+c.Name(), c.handleHealth)
	return mux
}

func (c *WeComChannel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	signature := q.Get("msg_signature")
	if signature == "" {
		signature = q.Get("signature")
	}
	timestamp, nonce := q.Get("timestamp"), q.Get("nonce")

	switch r.Method {
	case http.MethodGet:
		echostr := q.Get("echostr")
		if signature == "" || timestamp == "" || nonce == "" || echostr == "" {
			http.Error(w, "Missing parameters", http.StatusBadRequest)
			return
		}
		plain, err := c.HandleVerification(signature, timestamp, nonce, echostr)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(plain))

	case http.MethodPost:
		if signature == "" || timestamp == "" || nonce == "" {
			http.Error(w, "Missing parameters", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
		ack, err := c.HandleDelivery(r.Context(), signature, timestamp, nonce, body)
		switch {
		case errors.Is(err, errs.ErrSecurity):
			w.WriteHeader(http.StatusUnauthorized)
			return
		case errors.Is(err, errs.ErrTransport):
			http.Error(w, "Temporarily unavailable", http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		if ack.ContentType != "" {
			w.Header().Set("Content-Type", ack.ContentType)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(ack.Body)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *WeComChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.Health())
}

// Start binds the listener synchronously so port conflicts surface here.
func (c *WeComChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return fmt.Errorf("%s: already started", c.Name())
	}

	addr := net.JoinHostPort(c.config.WebhookHost, strconv.Itoa(c.config.WebhookPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.New(errs.ErrTransport, c.Name(), "listen", err)
	}

	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.setRunning(true)

	logger.InfoCF(c.Name(), "WeCom webhook channel started", map[string]interface{}{
		"address": ln.Addr().String(),
		"path":    c.config.WebhookPath,
	})

	srv := c.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.recordError(err)
			logger.ErrorCF(c.Name(), "HTTP server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Addr is the bound listener address, or "" before Start.
func (c *WeComChannel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop refuses new requests and gives in-flight ones ShutdownGrace before
// closing them.
func (c *WeComChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server, c.listener = nil, nil
	c.mu.Unlock()

	c.setRunning(false)
	if srv == nil {
		return nil
	}

	logger.InfoC(c.Name(), "Stopping WeCom webhook channel")
	sctx, cancel := context.WithTimeout(ctx, config.Seconds(c.config.ShutdownGrace))
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.WarnCF(c.Name(), "Grace period elapsed, closing remaining requests", map[string]interface{}{
			"error": err.Error(),
		})
		return srv.Close()
	}
	logger.InfoC(c.Name(), "WeCom webhook channel stopped")
	return nil
}

func (c *WeComChannel) Health() Health {
	h := c.baseHealth()
	if c.IsRunning() {
		h.State = "listening"
	} else {
		h.State = "stopped"
	}
	return h
}

// Send pushes the reply through the message API.
func (c *WeComChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return errs.New(errs.ErrTransport, c.Name(), "send", errors.New("channel not running"))
	}
	logger.DebugCF(c.Name(), "Pushing message", map[string]interface{}{
		"chat_id": msg.ChatID,
		"preview": utils.Truncate(msg.Content, 100),
	})
	return c.Push(ctx, msg)
}

// Probe fetches a token directly, bypassing the cache.
func (c *WeComChannel) Probe(ctx context.Context) error {
	_, err := c.FetchToken(ctx)
	return err
}
