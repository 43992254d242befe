package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultOpenAIModel  = "gpt-4o-mini"
	defaultSystemPrompt = "You are a friendly voice assistant on a public kiosk. Answer in short spoken sentences without markdown or lists."
)

// OpenAIResponder streams chat completions.
type OpenAIResponder struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIResponder(cfg Config) *OpenAIResponder {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	prompt := strings.TrimSpace(cfg.SystemPrompt)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &OpenAIResponder{client: &client, model: model, systemPrompt: prompt}
}

func (r *OpenAIResponder) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	prompt := r.systemPrompt
	if p := strings.TrimSpace(req.SystemPrompt); p != "" {
		prompt = p
	}
	params := openai.ChatCompletionNewParams{
		Model:    r.model,
		Messages: chatMessages(prompt, req),
	}

	stream := r.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("openai stream: %w", err)
	}
	if b.Len() == 0 {
		return Response{}, errors.New("openai stream returned no text")
	}
	return Response{Text: b.String()}, nil
}

func chatMessages(prompt string, req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	msgs = append(msgs, openai.SystemMessage(prompt))
	for _, m := range req.History {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(content))
		}
	}
	return append(msgs, openai.UserMessage(req.InputText))
}
