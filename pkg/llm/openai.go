package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/concierge/pkg/conversation"
)

const defaultOpenAIModel = "gpt-4o-mini"

type openAIBackend struct {
	client openai.Client
}

func newOpenAIBackend(cfg Config) *openAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openAIBackend{client: openai.NewClient(opts...)}
}

func (b *openAIBackend) statusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func (b *openAIBackend) complete(ctx context.Context, req request) (Response, error) {
	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	messages, err := openAIMessages(req.System, req.Messages)
	if err != nil {
		return Response{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.JSONSchema()),
				},
			})
		}
		params.Tools = tools
	}

	response, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, err
	}
	if len(response.Choices) == 0 {
		return Response{}, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	out := Response{
		Kind:    KindText,
		Content: choice.Message.Content,
		Usage: &Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return Response{}, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		out.Kind = KindToolCall
		out.ToolCall = &conversation.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
	}
	return out, nil
}

func openAIMessages(system string, msgs []conversation.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}

	for _, msg := range msgs {
		switch msg.Role {
		case conversation.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case conversation.RoleAssistant:
			if msg.ToolCall == nil || msg.ToolCall.ID == "" {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			argsJSON, err := json.Marshal(argumentsOrEmpty(msg.ToolCall.Arguments))
			if err != nil {
				return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role: "assistant",
				ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
					ID:   msg.ToolCall.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      msg.ToolCall.Name,
						Arguments: string(argsJSON),
					},
				}},
			}})
		case conversation.RoleTool:
			if msg.ToolCallID == "" {
				out = append(out, openai.UserMessage(toolNote(msg)))
				continue
			}
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out, nil
}
