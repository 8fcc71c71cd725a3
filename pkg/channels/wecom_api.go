// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/zhaopengme/mobaigate/pkg/auth"
	"github.com/zhaopengme/mobaigate/pkg/bus"
	"github.com/zhaopengme/mobaigate/pkg/config"
	"github.com/zhaopengme/mobaigate/pkg/errs"
	"github.com/zhaopengme/mobaigate/pkg/logger"
)

// errTokenRejected marks a push the API refused because of the token.
var errTokenRejected = errors.New("access token rejected")

// Error codes meaning the access token is invalid or expired.
var weComTokenErrCodes = map[int]bool{
	40001: true,
	40014: true,
	42001: true,
}

type WeComAccessTokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type WeComTextMessage struct {
	ToUser  string `json:"touser"`
	MsgType string `json:"msgtype"`
	AgentID int64  `json:"agentid"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
	Safe int `json:"safe"`
}

type WeComSendMessageResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	InvalidUser string `json:"invaliduser"`
}

// FetchToken implements auth.Fetcher against cgi-bin/gettoken.
func (c *WeComChannel) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	q := url.Values{}
	q.Set("corpid", c.config.CorpID)
	q.Set("corpsecret", c.config.CorpSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.APIBase+"/cgi-bin/gettoken?"+q.Encode(), nil)
	if err != nil {
		return nil, errs.New(errs.ErrConfig, c.Name(), "gettoken", err)
	}

	var out WeComAccessTokenResponse
	status, err := doJSON(c.client, req, &out)
	if err != nil {
		return nil, errs.New(errs.ErrTransport, c.Name(), "gettoken", err)
	}
	if status >= 500 || out.ErrCode == -1 {
		return nil, errs.Newf(errs.ErrTransport, c.Name(), "gettoken", "%s (code %d, http %d)", out.ErrMsg, out.ErrCode, status)
	}
	if status >= 400 || out.ErrCode != 0 || out.AccessToken == "" {
		return nil, errs.Newf(errs.ErrAuth, c.Name(), "gettoken", "%s (code %d, http %d)", out.ErrMsg, out.ErrCode, status)
	}
	return auth.ExpiresIn(out.AccessToken, out.ExpiresIn, c.now()), nil
}

// Push delivers msg through message/send within ReplyTimeout. A rejected
// token is invalidated and the push retried once with a fresh one; a
// transport failure is retried once as is.
func (c *WeComChannel) Push(ctx context.Context, msg bus.OutboundMessage) error {
	ctx, cancel := context.WithTimeout(ctx, config.Seconds(c.config.ReplyTimeout))
	defer cancel()

	err := c.pushOnce(ctx, msg)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, errTokenRejected):
		logger.InfoCF(c.Name(), "Token rejected, refreshing and retrying", map[string]interface{}{
			"chat_id": msg.ChatID,
		})
		c.tokens.Invalidate(c.Name())
		err = c.pushOnce(ctx, msg)
	case errors.Is(err, errs.ErrTransport) && ctx.Err() == nil:
		logger.InfoCF(c.Name(), "Push failed, retrying once", map[string]interface{}{
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		err = c.pushOnce(ctx, msg)
	}

	if err != nil {
		c.recordError(err)
		logger.ErrorCF(c.Name(), "Push failed", map[string]interface{}{
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		if errors.Is(err, errTokenRejected) {
			return errs.New(errs.ErrAuth, c.Name(), "push", err)
		}
	}
	return err
}

func (c *WeComChannel) pushOnce(ctx context.Context, msg bus.OutboundMessage) error {
	tok, err := c.tokens.GetOrRefresh(ctx, c.Name())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errs.New(errs.ErrReplyTimeout, c.Name(), "push", err)
		}
		return err
	}

	payload := WeComTextMessage{
		ToUser:  msg.ChatID,
		MsgType: "text",
		AgentID: c.config.AgentID,
	}
	payload.Text.Content = msg.Content
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.APIBase+"/cgi-bin/message/send?access_token="+url.QueryEscape(tok.Value), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var out WeComSendMessageResponse
	status, err := doJSON(c.client, req, &out)
	switch {
	case err != nil && isTimeout(ctx, err):
		return errs.New(errs.ErrReplyTimeout, c.Name(), "push", err)
	case err != nil:
		return errs.New(errs.ErrTransport, c.Name(), "push", err)
	case status == http.StatusUnauthorized || weComTokenErrCodes[out.ErrCode]:
		return errs.Newf(errTokenRejected, c.Name(), "push", "%s (code %d)", out.ErrMsg, out.ErrCode)
	case status >= 500 || out.ErrCode == -1:
		return errs.Newf(errs.ErrTransport, c.Name(), "push", "%s (code %d, http %d)", out.ErrMsg, out.ErrCode, status)
	case status >= 400 || out.ErrCode != 0:
		return errs.Newf(errs.ErrConfig, c.Name(), "push", "%s (code %d, http %d)", out.ErrMsg, out.ErrCode, status)
	}
	return nil
}

// isTimeout reports whether err comes from the reply budget running out.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
