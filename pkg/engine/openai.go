package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
}

func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai engine requires api_key")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.APIBase != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.APIBase))
	}
	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:    openai.NewClient(reqOpts...),
		model:     model,
		maxTokens: int64(opts.MaxTokens),
	}, nil
}

func (e *OpenAI) Name() string {
	return "openai"
}

func (e *OpenAI) Reply(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Content),
		},
	}
	if e.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(e.maxTokens)
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai API call: status %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("openai API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai API returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
