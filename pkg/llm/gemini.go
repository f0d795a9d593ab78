package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/harun/concierge/pkg/conversation"
)

const defaultGeminiModel = "gemini-2.5-flash"

type geminiBackend struct {
	client *genai.Client
}

func newGeminiBackend(ctx context.Context, cfg Config) (*geminiBackend, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &geminiBackend{client: client}, nil
}

func (b *geminiBackend) statusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func (b *geminiBackend) complete(ctx context.Context, req request) (Response, error) {
	model := req.Model
	if model == "" {
		model = defaultGeminiModel
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
		Tools:           geminiTools(req.Tools),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}

	resp, err := b.client.Models.GenerateContent(ctx, model, geminiContents(req.Messages), config)
	if err != nil {
		return Response{}, err
	}

	out := Response{Kind: KindText}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil && out.ToolCall == nil:
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.Kind = KindToolCall
			out.ToolCall = &conversation.ToolCall{ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Arguments: args}
		case part.Text != "" && !part.Thought:
			out.Content += part.Text
		}
	}
	return out, nil
}

func geminiContents(msgs []conversation.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case conversation.RoleUser:
			out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Content}}})
		case conversation.RoleAssistant:
			if msg.ToolCall != nil {
				out = append(out, &genai.Content{Role: "model", Parts: []*genai.Part{{
					FunctionCall: &genai.FunctionCall{
						ID:   msg.ToolCall.ID,
						Name: msg.ToolCall.Name,
						Args: argumentsOrEmpty(msg.ToolCall.Arguments),
					},
				}}})
				continue
			}
			out = append(out, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: msg.Content}}})
		case conversation.RoleTool:
			out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.ToolName,
					Response: map[string]any{"output": msg.Content},
				},
			}}})
		}
	}
	return out
}

func geminiTools(tools []conversation.ToolSchema) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.JSONSchema(),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
