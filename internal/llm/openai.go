package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"

	"meridian/internal/config"
)

// OpenAIProvider speaks to any OpenAI-compatible chat-completions endpoint.
type OpenAIProvider struct {
	sdk   sdk.Client
	model string
}

func NewOpenAIProvider(tc config.TierConfig, httpClient *http.Client) *OpenAIProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(tc.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(tc.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	return &OpenAIProvider{sdk: sdk.NewClient(opts...), model: tc.Model}
}

func (p *OpenAIProvider) Name() string             { return "openai" }
func (p *OpenAIProvider) SupportsJSONSchema() bool { return true }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: adaptOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		if isThinkingModel(model) {
			params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
		} else {
			params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
		}
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = adaptOpenAITools(req.Tools)
		switch req.ToolChoice {
		case "", "auto":
			// provider default
		case "required", "none":
			params.ToolChoice = sdk.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: param.NewOpt(req.ToolChoice),
			}
		}
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_schema":
			name := rf.Name
			if name == "" {
				name = "response"
			}
			params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
					JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:   name,
						Schema: rf.Schema,
						Strict: param.NewOpt(true),
					},
				},
			}
		case "json_object":
			params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			}
		}
	}

	comp, err := p.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return ChatResponse{}, translateOpenAIError(err)
	}
	if len(comp.Choices) == 0 {
		return ChatResponse{}, ErrEmptyResponse
	}

	msg := comp.Choices[0].Message
	out := Message{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		if v, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
			if strings.TrimSpace(v.Function.Arguments) == "" {
				continue
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   v.ID,
				Name: v.Function.Name,
				Args: json.RawMessage(v.Function.Arguments),
			})
		}
	}
	return ChatResponse{
		Message: out,
		Usage: Usage{
			PromptTokens:     int(comp.Usage.PromptTokens),
			CompletionTokens: int(comp.Usage.CompletionTokens),
			TotalTokens:      int(comp.Usage.TotalTokens),
		},
	}, nil
}

func adaptOpenAIMessages(msgs []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			if m.Content != "" {
				asst.Content.OfString = param.NewOpt(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Args),
						},
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func adaptOpenAITools(schemas []ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}))
	}
	return out
}

func translateOpenAIError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return err
}

// isThinkingModel returns true for reasoning models ("o<int>-*"), which reject
// max_tokens in favor of max_completion_tokens.
func isThinkingModel(model string) bool {
	model = strings.ToLower(model)
	if !strings.HasPrefix(model, "o") {
		return false
	}
	rest := model[1:]
	i := 0
	for ; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
	}
	return i > 0 && i < len(rest) && rest[i] == '-'
}
