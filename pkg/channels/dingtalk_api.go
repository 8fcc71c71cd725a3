// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/zhaopengme/mobaigate/pkg/auth"
	"github.com/zhaopengme/mobaigate/pkg/errs"
)

const (
	dingtalkBotTopic = "/v1.0/im/bot/messages/get"
	dingtalkUA       = "mobaigate/1.0"
)

type dingtalkTokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type dingtalkSubscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type dingtalkOpenRequest struct {
	ClientID      string                 `json:"clientId"`
	ClientSecret  string                 `json:"clientSecret"`
	Subscriptions []dingtalkSubscription `json:"subscriptions"`
	UA            string                 `json:"ua"`
	LocalIP       string                 `json:"localIp"`
}

type dingtalkOpenResponse struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// FetchToken implements auth.Fetcher against the DingTalk gettoken API.
func (c *DingTalkChannel) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	q := url.Values{}
	q.Set("appkey", c.config.ClientID)
	q.Set("appsecret", c.config.ClientSecret)
	endpoint := c.config.OAPIBase + "/gettoken?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.New(errs.ErrConfig, c.Name(), "gettoken", err)
	}

	var out dingtalkTokenResponse
	status, err := doJSON(c.client, req, &out)
	if err != nil {
		return nil, errs.New(errs.ErrTransport, c.Name(), "gettoken", err)
	}
	if status >= 500 {
		return nil, errs.Newf(errs.ErrTransport, c.Name(), "gettoken", "http status %d", status)
	}
	if status >= 400 || out.ErrCode != 0 || out.AccessToken == "" {
		return nil, errs.Newf(errs.ErrAuth, c.Name(), "gettoken", "%s (code %d, http %d)", out.ErrMsg, out.ErrCode, status)
	}
	return auth.ExpiresIn(out.AccessToken, out.ExpiresIn, c.now()), nil
}

// openConnection performs the stream handshake and returns the socket URL.
func (c *DingTalkChannel) openConnection(ctx context.Context, token string) (string, error) {
	body, err := json.Marshal(dingtalkOpenRequest{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		Subscriptions: []dingtalkSubscription{
			{Type: "CALLBACK", Topic: dingtalkBotTopic},
			{Type: "EVENT", Topic: "*"},
		},
		UA: dingtalkUA,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.APIBase+"/v1.0/gateway/connections/open", bytes.NewReader(body))
	if err != nil {
		return "", errs.New(errs.ErrConfig, c.Name(), "handshake", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	var out dingtalkOpenResponse
	status, err := doJSON(c.client, req, &out)
	switch {
	case err != nil:
		return "", errs.New(errs.ErrTransport, c.Name(), "handshake", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.tokens.Invalidate(c.Name())
		return "", errs.Newf(errs.ErrAuth, c.Name(), "handshake", "%s (http %d)", out.Message, status)
	case status >= 500:
		return "", errs.Newf(errs.ErrTransport, c.Name(), "handshake", "http status %d", status)
	case status >= 400:
		return "", errs.Newf(errs.ErrAuth, c.Name(), "handshake", "%s %s (http %d)", out.Code, out.Message, status)
	case out.Endpoint == "" || out.Ticket == "":
		return "", errs.New(errs.ErrTransport, c.Name(), "handshake", fmt.Errorf("response missing endpoint or ticket"))
	}

	u, err := url.Parse(out.Endpoint)
	if err != nil {
		return "", errs.New(errs.ErrTransport, c.Name(), "handshake", err)
	}
	q := u.Query()
	q.Set("ticket", out.Ticket)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// replyViaSessionWebhook posts text to the per-conversation webhook DingTalk
// includes with every robot message.
func (c *DingTalkChannel) replyViaSessionWebhook(ctx context.Context, webhook, content string) error {
	if webhook == "" {
		return errs.New(errs.ErrTransport, c.Name(), "session webhook", fmt.Errorf("no session webhook"))
	}
	if err := c.replier.SimpleReplyText(ctx, webhook, []byte(content)); err != nil {
		return errs.New(errs.ErrTransport, c.Name(), "session webhook", err)
	}
	return nil
}

// doJSON sends req and decodes a JSON body into out. Non-JSON bodies on
// error statuses are tolerated; the status code is always returned.
func doJSON(client *http.Client, req *http.Request, out interface{}) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 400 {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
