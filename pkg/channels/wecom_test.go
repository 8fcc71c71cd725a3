package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/mobaigate/pkg/auth"
	"github.com/zhaopengme/mobaigate/pkg/bus"
	"github.com/zhaopengme/mobaigate/pkg/config"
	"github.com/zhaopengme/mobaigate/pkg/errs"
)

// fakeWeComAPI serves gettoken and message/send. sendStatus decides the
// outcome of each send call given the token it carried.
type fakeWeComAPI struct {
	tokenCalls atomic.Int32
	sendCalls  atomic.Int32
	sendStatus func(call int32, token string) (int, int)

	mu     sync.Mutex
	bodies []WeComTextMessage
}

func (f *fakeWeComAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		if r.URL.Query().Get("corpsecret") != "secret" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"errcode": 40001, "errmsg": "invalid credential"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"errcode":      0,
			"access_token": fmt.Sprintf("t%d", n),
			"expires_in":   7200,
		})
	})
	mux.HandleFunc("/cgi-bin/message/send", func(w http.ResponseWriter, r *http.Request) {
		n := f.sendCalls.Add(1)
		var msg WeComTextMessage
		_ = json.NewDecoder(r.Body).Decode(&msg)
		f.mu.Lock()
		f.bodies = append(f.bodies, msg)
		f.mu.Unlock()

		status, code := http.StatusOK, 0
		if f.sendStatus != nil {
			status, code = f.sendStatus(n, r.URL.Query().Get("access_token"))
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"errcode": code, "errmsg": "msg"})
	})
	return mux
}

func newTestWeCom(t *testing.T, apiBase string, allow []string, mb *bus.MessageBus) *WeComChannel {
	t.Helper()
	cfg := config.WeComConfig{
		ID:             "wecom",
		CorpID:         testCorpID,
		CorpSecret:     "secret",
		AgentID:        1000002,
		Token:          testToken,
		EncodingAESKey: testAESKey,
		WebhookHost:    "127.0.0.1",
		AllowFrom:      allow,
		APIBase:        apiBase,
	}
	c, err := NewWeComChannel(cfg, mb, auth.NewTokenCache(time.Minute))
	require.NoError(t, err)
	c.config.WebhookPort = 0
	return c
}

func textMessageXML(from, content string, msgID int64) string {
	return fmt.Sprintf(`<xml><ToUserName><![CDATA[%s]]></ToUserName><FromUserName><![CDATA[%s]]></FromUserName>`+
		`<CreateTime>1700000000</CreateTime><MsgType><![CDATA[text]]></MsgType><Content><![CDATA[%s]]></Content>`+
		`<MsgId>%d</MsgId><AgentID>1000002</AgentID></xml>`, testCorpID, from, content, msgID)
}

func encryptedDelivery(t *testing.T, c *WeComCrypto, plain string) (sig, ts, nonce string, body []byte) {
	t.Helper()
	ct, sig, ts, nonce, err := c.EncryptAndSign(plain)
	require.NoError(t, err)
	body = []byte(fmt.Sprintf(`<xml><ToUserName><![CDATA[%s]]></ToUserName><Encrypt><![CDATA[%s]]></Encrypt><AgentID><![CDATA[1000002]]></AgentID></xml>`, testCorpID, ct))
	return sig, ts, nonce, body
}

func postDelivery(h http.Handler, sig, ts, nonce string, body []byte) *httptest.ResponseRecorder {
	q := url.Values{"msg_signature": {sig}, "timestamp": {ts}, "nonce": {nonce}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/wecom?"+q.Encode(), strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func noInbound(t *testing.T, mb *bus.MessageBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := mb.ConsumeInbound(ctx)
	assert.False(t, ok, "expected no inbound message")
}

func TestWeComVerification(t *testing.T) {
	mb := bus.NewMessageBus(4)
	c := newTestWeCom(t, "http://unused", []string{"*"}, mb)

	echo, sig, ts, nonce, err := newTestCrypto(t).EncryptAndSign("abc123")
	require.NoError(t, err)

	q := url.Values{"msg_signature": {sig}, "timestamp": {ts}, "nonce": {nonce}, "echostr": {echo}}
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/wecom?"+q.Encode(), nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())
}

func TestWeComVerificationEchoesPlaintextExactly(t *testing.T) {
	c := newTestWeCom(t, "http://unused", []string{"*"}, bus.NewMessageBus(1))

	for _, challenge := range []string{"abc123\n", "  padded  ", "\ufeffbom"} {
		echo, sig, ts, nonce, err := newTestCrypto(t).EncryptAndSign(challenge)
		require.NoError(t, err)

		q := url.Values{"msg_signature": {sig}, "timestamp": {ts}, "nonce": {nonce}, "echostr": {echo}}
		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/wecom?"+q.Encode(), nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, challenge, rec.Body.String())
	}
}

func TestWeComVerificationWrongToken(t *testing.T) {
	mb := bus.NewMessageBus(4)
	c := newTestWeCom(t, "http://unused", []string{"*"}, mb)

	forger, err := NewWeComCrypto("wrong-token", testAESKey, testCorpID)
	require.NoError(t, err)
	echo, sig, ts, nonce, err := forger.EncryptAndSign("abc123")
	require.NoError(t, err)

	q := url.Values{"msg_signature": {sig}, "timestamp": {ts}, "nonce": {nonce}, "echostr": {echo}}
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/wecom?"+q.Encode(), nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Body.String())

	_, err = c.HandleVerification(sig, ts, nonce, echo)
	assert.True(t, errors.Is(err, errs.ErrSecurity))
}

func TestWeComVerificationMissingParams(t *testing.T) {
	c := newTestWeCom(t, "http://unused", []string{"*"}, bus.NewMessageBus(1))
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/wecom?timestamp=1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWeComRejectedSenderProducesNoPush(t *testing.T) {
	api := &fakeWeComAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	mb := bus.NewMessageBus(4)
	c := newTestWeCom(t, srv.URL, []string{"u1"}, mb)

	sig, ts, nonce, body := encryptedDelivery(t, newTestCrypto(t), textMessageXML("u2", "hi", 1))
	rec := postDelivery(c.Handler(), sig, ts, nonce, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	noInbound(t, mb)
	assert.EqualValues(t, 0, api.sendCalls.Load())
	assert.EqualValues(t, 1, c.Health().Rejected)
}

func TestWeComAcceptedDelivery(t *testing.T) {
	mb := bus.NewMessageBus(4)
	c := newTestWeCom(t, "http://unused", []string{"u1"}, mb)

	sig, ts, nonce, body := encryptedDelivery(t, newTestCrypto(t), textMessageXML("u1", "hello", 42))
	rec := postDelivery(c.Handler(), sig, ts, nonce, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "wecom", msg.Channel)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "u1", msg.ChatID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "42", msg.CorrelationID)
	assert.False(t, msg.ReceivedAt.IsZero())
}

func TestWeComDuplicateDeliveryForwardedOnce(t *testing.T) {
	mb := bus.NewMessageBus(4)
	c := newTestWeCom(t, "http://unused", []string{"*"}, mb)
	crypto := newTestCrypto(t)

	for i := 0; i < 3; i++ {
		sig, ts, nonce, body := encryptedDelivery(t, crypto, textMessageXML("u1", "again", 7))
		ack, err := c.HandleDelivery(context.Background(), sig, ts, nonce, body)
		require.NoError(t, err)
		assert.Equal(t, "success", string(ack.Body))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	noInbound(t, mb)
}

func TestWeComPublishFailureIsRedelivered(t *testing.T) {
	mb := bus.NewMessageBus(1)
	require.NoError(t, mb.PublishInbound(context.Background(), bus.InboundMessage{Content: "filler"}))
	c := newTestWeCom(t, "http://unused", []string{"*"}, mb)
	crypto := newTestCrypto(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sig, ts, nonce, body := encryptedDelivery(t, crypto, textMessageXML("u1", "queued", 11))
	_, err := c.HandleDelivery(ctx, sig, ts, nonce, body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransport))

	// The webhook answers 5xx so WeCom retries.
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer reqCancel()
	q := url.Values{"msg_signature": {sig}, "timestamp": {ts}, "nonce": {nonce}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/wecom?"+q.Encode(), strings.NewReader(string(body))).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	drain, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	filler, ok := mb.ConsumeInbound(drain)
	require.True(t, ok)
	assert.Equal(t, "filler", filler.Content)

	ack, err := c.HandleDelivery(context.Background(), sig, ts, nonce, body)
	require.NoError(t, err)
	assert.Equal(t, "success", string(ack.Body))

	msg, ok := mb.ConsumeInbound(drain)
	require.True(t, ok)
	assert.Equal(t, "queued", msg.Content)
	assert.Equal(t, "11", msg.CorrelationID)
}

func TestWeComNonTextSkipped(t *testing.T) {
	mb := bus.NewMessageBus(4)
	c := newTestWeCom(t, "http://unused", []string{"*"}, mb)

	plain := `<xml><FromUserName>u1</FromUserName><MsgType>event</MsgType><Event>enter_agent</Event></xml>`
	sig, ts, nonce, body := encryptedDelivery(t, newTestCrypto(t), plain)
	ack, err := c.HandleDelivery(context.Background(), sig, ts, nonce, body)
	require.NoError(t, err)
	assert.Equal(t, "success", string(ack.Body))
	noInbound(t, mb)
}

func TestWeComDeliveryBadSignature(t *testing.T) {
	mb := bus.NewMessageBus(4)
	c := newTestWeCom(t, "http://unused", []string{"*"}, mb)

	_, ts, nonce, body := encryptedDelivery(t, newTestCrypto(t), textMessageXML("u1", "x", 1))
	rec := postDelivery(c.Handler(), strings.Repeat("0", 40), ts, nonce, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Body.String())
	noInbound(t, mb)
}

func TestWeComDeliveryMalformed(t *testing.T) {
	c := newTestWeCom(t, "http://unused", []string{"*"}, bus.NewMessageBus(1))
	rec := postDelivery(c.Handler(), "sig", "1", "n", []byte("not xml"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWeComEncryptedAck(t *testing.T) {
	mb := bus.NewMessageBus(4)
	c := newTestWeCom(t, "http://unused", []string{"*"}, mb)
	c.config.EncryptedAck = true
	crypto := newTestCrypto(t)

	sig, ts, nonce, body := encryptedDelivery(t, crypto, textMessageXML("u1", "x", 9))
	ack, err := c.HandleDelivery(context.Background(), sig, ts, nonce, body)
	require.NoError(t, err)
	assert.Contains(t, ack.ContentType, "xml")
	assert.Contains(t, string(ack.Body), "<Encrypt>")
}

func TestWeComPush(t *testing.T) {
	api := &fakeWeComAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := newTestWeCom(t, srv.URL, []string{"*"}, bus.NewMessageBus(1))
	c.setRunning(true)

	err := c.Send(context.Background(), bus.OutboundMessage{Channel: "wecom", ChatID: "u1", Content: "hi there"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, api.tokenCalls.Load())
	require.Len(t, api.bodies, 1)
	assert.Equal(t, "u1", api.bodies[0].ToUser)
	assert.Equal(t, int64(1000002), api.bodies[0].AgentID)
	assert.Equal(t, "hi there", api.bodies[0].Text.Content)

	// The cached token is reused.
	require.NoError(t, c.Send(context.Background(), bus.OutboundMessage{ChatID: "u1", Content: "again"}))
	assert.EqualValues(t, 1, api.tokenCalls.Load())
}

func TestWeComPushRetriesOnceAfterTokenRejected(t *testing.T) {
	api := &fakeWeComAPI{sendStatus: func(_ int32, token string) (int, int) {
		if token == "t1" {
			return http.StatusOK, 42001
		}
		return http.StatusOK, 0
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := newTestWeCom(t, srv.URL, []string{"*"}, bus.NewMessageBus(1))
	require.NoError(t, c.Push(context.Background(), bus.OutboundMessage{ChatID: "u1", Content: "x"}))

	assert.EqualValues(t, 2, api.tokenCalls.Load())
	assert.EqualValues(t, 2, api.sendCalls.Load())
}

func TestWeComPushGivesUpAfterOneRetry(t *testing.T) {
	api := &fakeWeComAPI{sendStatus: func(int32, string) (int, int) {
		return http.StatusUnauthorized, 40014
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := newTestWeCom(t, srv.URL, []string{"*"}, bus.NewMessageBus(1))
	err := c.Push(context.Background(), bus.OutboundMessage{ChatID: "u1", Content: "x"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuth))
	assert.EqualValues(t, 2, api.sendCalls.Load())
}

func TestWeComPushRetriesTransportOnce(t *testing.T) {
	api := &fakeWeComAPI{sendStatus: func(call int32, _ string) (int, int) {
		if call == 1 {
			return http.StatusBadGateway, -1
		}
		return http.StatusOK, 0
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := newTestWeCom(t, srv.URL, []string{"*"}, bus.NewMessageBus(1))
	require.NoError(t, c.Push(context.Background(), bus.OutboundMessage{ChatID: "u1", Content: "x"}))
	assert.EqualValues(t, 2, api.sendCalls.Load())
	assert.EqualValues(t, 1, api.tokenCalls.Load())
}

func TestWeComPushPastReplyTimeout(t *testing.T) {
	api := &fakeWeComAPI{sendStatus: func(int32, string) (int, int) {
		time.Sleep(1500 * time.Millisecond)
		return http.StatusOK, 0
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := newTestWeCom(t, srv.URL, []string{"*"}, bus.NewMessageBus(1))
	c.config.ReplyTimeout = 1

	start := time.Now()
	err := c.Push(context.Background(), bus.OutboundMessage{ChatID: "u1", Content: "slow"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrReplyTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 1400*time.Millisecond)
	assert.EqualValues(t, 1, api.sendCalls.Load())
}

func TestWeComSendNotRunning(t *testing.T) {
	c := newTestWeCom(t, "http://unused", []string{"*"}, bus.NewMessageBus(1))
	err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "u1", Content: "x"})
	assert.True(t, errors.Is(err, errs.ErrTransport))
}

func TestWeComProbeBadCredentials(t *testing.T) {
	api := &fakeWeComAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := newTestWeCom(t, srv.URL, []string{"*"}, bus.NewMessageBus(1))
	require.NoError(t, c.Probe(context.Background()))

	c.config.CorpSecret = "wrong"
	err := c.Probe(context.Background())
	assert.True(t, errors.Is(err, errs.ErrAuth))
}

func TestWeComStartStop(t *testing.T) {
	c := newTestWeCom(t, "http://unused", []string{"*"}, bus.NewMessageBus(1))
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsRunning())
	assert.Equal(t, "listening", c.Health().State)

	addr := c.Addr()
	resp, err := http.Get("http://" + addr + "/health/wecom")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"running":true`)

	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.IsRunning())
	assert.Empty(t, c.Addr())
	_, err = http.Get("http://" + addr + "/health/wecom")
	assert.Error(t, err)
}
