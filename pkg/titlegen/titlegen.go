// Package titlegen wraps the text-generation collaborator used for
// session title summarization.
package titlegen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyCompletion is returned when the provider answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// Generator produces text from a system and user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// chatCompleter is the slice of the OpenAI client we use, extracted so
// tests can stub the transport.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI is a Generator backed by the OpenAI chat completion API.
type OpenAI struct {
	client    chatCompleter
	model     string
	maxTokens int
}

// NewOpenAI creates a Generator using the given API key and model.
func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client:    openai.NewClient(apiKey),
		model:     model,
		maxTokens: 64,
	}, nil
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// Static is a fixed-response Generator for tests and local development.
type Static struct {
	// Text is returned from every Generate call.
	Text string
	// Err, when set, is returned instead.
	Err error

	// Calls records the prompts seen, newest last.
	Calls []string
}

// Generate implements Generator.
func (s *Static) Generate(_ context.Context, _, user string) (string, error) {
	s.Calls = append(s.Calls, user)
	if s.Err != nil {
		return "", s.Err
	}
	return s.Text, nil
}
