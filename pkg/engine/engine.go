// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

// Package engine adapts AI backends to the text-in, text-out contract the
// dispatcher consumes.
package engine

import (
	"context"
	"fmt"
	"strings"
)

// Request carries the message text plus the conversation it belongs to.
type Request struct {
	ChannelID      string
	ConversationID string
	SenderID       string
	Content        string
}

// Engine must tolerate concurrent calls from every channel.
type Engine interface {
	Reply(ctx context.Context, req Request) (string, error)
	Name() string
}

// Func turns a function into an Engine.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Reply(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

func (f Func) Name() string {
	return "func"
}

// Echo answers with the incoming text. It keeps `start` usable without any
// backend configured.
type Echo struct{}

func (Echo) Reply(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return req.Content, nil
}

func (Echo) Name() string {
	return "echo"
}

// ExtractProtocol splits "openai/gpt-4o" into ("openai", "gpt-4o"). A model
// without a prefix defaults to openai.
func ExtractProtocol(model string) (protocol, modelID string) {
	model = strings.TrimSpace(model)
	protocol, modelID, found := strings.Cut(model, "/")
	if !found {
		return "openai", model
	}
	return protocol, modelID
}

// Options configure the network-backed engines.
type Options struct {
	Provider  string
	Model     string
	APIKey    string
	APIBase   string
	MaxTokens int
}

// New builds the engine named by opts.Provider. An empty provider is taken
// from the model prefix.
func New(opts Options) (Engine, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider, opts.Model = ExtractProtocol(opts.Model)
	} else if p, m := ExtractProtocol(opts.Model); p == provider {
		opts.Model = m
	}

	switch provider {
	case "echo":
		return Echo{}, nil
	case "openai":
		return NewOpenAI(opts)
	case "anthropic", "claude":
		return NewAnthropic(opts)
	default:
		return nil, fmt.Errorf("unknown engine provider %q", opts.Provider)
	}
}
