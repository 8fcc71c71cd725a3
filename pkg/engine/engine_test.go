package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractProtocol(t *testing.T) {
	tests := []struct {
		model        string
		wantProtocol string
		wantModelID  string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"anthropic/claude-sonnet-4-5", "anthropic", "claude-sonnet-4-5"},
		{"gpt-4o", "openai", "gpt-4o"},
		{"", "openai", ""},
		{"  openai/gpt-4  ", "openai", "gpt-4"},
		{"nvidia/meta/llama-3.1-8b", "nvidia", "meta/llama-3.1-8b"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, m := ExtractProtocol(tt.model)
			assert.Equal(t, tt.wantProtocol, p)
			assert.Equal(t, tt.wantModelID, m)
		})
	}
}

func TestEcho(t *testing.T) {
	out, err := Echo{}.Reply(context.Background(), Request{Content: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Echo{}.Reply(ctx, Request{Content: "ping"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	e, err := New(Options{Provider: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", e.Name())

	e, err = New(Options{Model: "anthropic/claude-x", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", e.Name())
	assert.Equal(t, "claude-x", e.(*Anthropic).model)

	e, err = New(Options{Provider: "openai", Model: "openai/gpt-4o", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", e.(*OpenAI).model)

	_, err = New(Options{Provider: "openai"})
	assert.Error(t, err)

	_, err = New(Options{Provider: "mystery"})
	assert.Error(t, err)
}

func TestOpenAIReply(t *testing.T) {
	var gotModel, gotContent, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		if len(body.Messages) > 0 {
			gotContent = body.Messages[0].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAI(Options{APIKey: "sk-test", APIBase: srv.URL + "/v1", Model: "gpt-test"})
	require.NoError(t, err)

	out, err := e.Reply(context.Background(), Request{Content: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	assert.Equal(t, "gpt-test", gotModel)
	assert.Equal(t, "ping", gotContent)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestAnthropicReply(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"po"},{"type":"text","text":"ng"}],
			"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	e, err := NewAnthropic(Options{APIKey: "ak-test", APIBase: srv.URL, Model: "claude-test"})
	require.NoError(t, err)

	out, err := e.Reply(context.Background(), Request{Content: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	assert.Equal(t, "ak-test", gotKey)
}

func TestOpenAIReplyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAI(Options{APIKey: "sk-bad", APIBase: srv.URL})
	require.NoError(t, err)
	_, err = e.Reply(context.Background(), Request{Content: "ping"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
