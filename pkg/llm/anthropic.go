package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/concierge/pkg/conversation"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

type anthropicBackend struct {
	client anthropic.Client
}

func newAnthropicBackend(cfg Config) *anthropicBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicBackend{client: anthropic.NewClient(opts...)}
}

func (b *anthropicBackend) statusCode(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func (b *anthropicBackend) complete(ctx context.Context, req request) (Response, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	response, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, err
	}

	out := Response{
		Kind: KindText,
		Usage: &Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}
	for _, block := range response.Content {
		switch blk := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += blk.Text
		case anthropic.ToolUseBlock:
			if out.ToolCall != nil {
				continue
			}
			args := map[string]interface{}{}
			if raw := blk.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return Response{}, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			out.Kind = KindToolCall
			out.ToolCall = &conversation.ToolCall{ID: blk.ID, Name: blk.Name, Arguments: args}
		}
	}
	return out, nil
}

func anthropicMessages(msgs []conversation.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case conversation.RoleTool:
			if msg.ToolCallID != "" {
				out = append(out, anthropic.NewUserMessage(
					anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
				))
			} else {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(toolNote(msg))))
			}
		case conversation.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.ToolCall != nil && msg.ToolCall.ID != "" {
				blocks = append(blocks, anthropic.NewToolUseBlock(msg.ToolCall.ID, argumentsOrEmpty(msg.ToolCall.Arguments), msg.ToolCall.Name))
			} else if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case conversation.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out
}

func anthropicTools(tools []conversation.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := tool.JSONSchema()
		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   tool.Parameters.Required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

// toolNote renders a tool message that cannot be linked to a tool call.
func toolNote(msg conversation.Message) string {
	return fmt.Sprintf("[tool %s] %s", msg.ToolName, msg.Content)
}

func argumentsOrEmpty(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}
