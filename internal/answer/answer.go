// Package answer adapts the generative answering capability behind a
// provider interface.
package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/semafold/semafold/internal/errors"
)

// Answerer produces a grounded natural-language answer from retrieved
// context passages. Upstream failures surface verbatim to the caller.
type Answerer interface {
	Answer(ctx context.Context, question string, passages []Passage) (string, error)
	Close() error
}

// Passage is one retrieved context snippet handed to the model.
type Passage struct {
	Source string
	Text   string
}

const systemPrompt = `You are a precise assistant answering questions about a personal document collection.
Answer ONLY from the provided context passages. If the context does not contain the answer, say so plainly.
Cite the source file name when it supports your answer.`

// OpenAIConfig holds the settings for an OpenAI-compatible chat API.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIAnswerer answers questions via an OpenAI-compatible chat API.
type OpenAIAnswerer struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

var _ Answerer = (*OpenAIAnswerer)(nil)

// NewOpenAIAnswerer creates an OpenAI-compatible answer provider.
func NewOpenAIAnswerer(cfg OpenAIConfig) *OpenAIAnswerer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &OpenAIAnswerer{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

// Answer implements Answerer.
func (a *OpenAIAnswerer) Answer(ctx context.Context, question string, passages []Passage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(question, passages)},
		},
	})
	if err != nil {
		return "", errors.UpstreamError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.UpstreamError(fmt.Errorf("empty completion response"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Close releases resources.
func (a *OpenAIAnswerer) Close() error {
	return nil
}

// BuildPrompt assembles the user message from the question and the
// retrieved passages, each tagged with its source.
func BuildPrompt(question string, passages []Passage) string {
	var b strings.Builder
	b.WriteString("Context passages:\n\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, p.Source, p.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
