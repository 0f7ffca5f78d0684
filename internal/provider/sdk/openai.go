package sdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/link-assistant/agent/internal/llm"
)

// compatModel speaks the OpenAI-compatible chat completions protocol.
// OpenAI itself, OpenRouter, and config-defined providers all go through
// it.
type compatModel struct {
	providerID string
	modelID    string
	baseURL    string
	apiKey     string
	oauth      bool
	headers    map[string]string
	client     *http.Client
}

const openaiDefaultBaseURL = "https://api.openai.com/v1"

func newCompatModel(cfg Config) (llm.LanguageModel, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		if cfg.ProviderID != "openai" {
			return nil, fmt.Errorf("provider %q has no base URL", cfg.ProviderID)
		}
		baseURL = openaiDefaultBaseURL
	}
	return &compatModel{
		providerID: cfg.ProviderID,
		modelID:    cfg.ModelID,
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		oauth:      cfg.OAuth,
		headers:    cfg.Headers,
		client:     cfg.Client,
	}, nil
}

func (m *compatModel) ProviderID() string { return m.providerID }
func (m *compatModel) ModelID() string    { return m.modelID }

type oaiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Tools         []oaiTool         `json:"tools,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type oaiChatChunk struct {
	Choices []struct {
		Delta *struct {
			Content   string        `json:"content,omitempty"`
			ToolCalls []oaiToolCall `json:"tool_calls,omitempty"`
		} `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *json.RawMessage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (m *compatModel) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	return llm.NewDeltaStream(ctx, func(ctx context.Context, deltas chan<- llm.Delta) error {
		chatReq := oaiChatRequest{
			Model:         m.modelID,
			Messages:      buildCompatMessages(req),
			Stream:        true,
			StreamOptions: &oaiStreamOptions{IncludeUsage: true},
		}
		tools, err := buildCompatTools(req.Tools)
		if err != nil {
			return err
		}
		chatReq.Tools = tools
		if req.Temperature > 0 {
			v := float64(req.Temperature)
			chatReq.Temperature = &v
		}
		if req.MaxOutputTokens > 0 {
			v := req.MaxOutputTokens
			chatReq.MaxTokens = &v
		}

		body, err := json.Marshal(chatReq)
		if err != nil {
			return err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			m.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if m.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
		}
		for k, v := range m.headers {
			if v != "" {
				httpReq.Header.Set(k, v)
			}
		}

		resp, err := m.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s request failed: %w", m.providerID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%s API error (status %d): %s", m.providerID, resp.StatusCode, data)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		toolState := newCompatToolState()
		var rawUsage map[string]any
		finishReason := ""

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk oaiChatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// One bad SSE chunk must not kill the stream.
				deltas <- llm.Delta{
					Type: llm.DeltaParseError,
					Err:  fmt.Errorf("parse sse chunk: %w", err),
				}
				continue
			}
			if chunk.Error != nil {
				return fmt.Errorf("%s API error: %s", m.providerID, chunk.Error.Message)
			}
			if chunk.Usage != nil {
				var u map[string]any
				if json.Unmarshal(*chunk.Usage, &u) == nil {
					rawUsage = u
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta != nil {
					if choice.Delta.Content != "" {
						deltas <- llm.Delta{Type: llm.DeltaText, PartID: "txt_0", Text: choice.Delta.Content}
					}
					toolState.Add(choice.Delta.ToolCalls)
				}
				if choice.FinishReason != "" {
					finishReason = choice.FinishReason
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%s streaming: %w", m.providerID, err)
		}

		for _, call := range toolState.Calls() {
			call.State = llm.ToolPending
			c := call
			deltas <- llm.Delta{Type: llm.DeltaToolCall, Tool: &c}
		}
		if u := usageFromRaw(rawUsage); u != nil {
			deltas <- llm.Delta{Type: llm.DeltaUsage, Usage: u}
		}
		deltas <- llm.Delta{Type: llm.DeltaFinish, RawReason: finishReason, RawUsage: rawUsage}
		return nil
	}), nil
}

func usageFromRaw(raw map[string]any) *llm.Usage {
	if raw == nil {
		return nil
	}
	return &llm.Usage{
		InputTokens:  llm.SafeNum(raw["prompt_tokens"]),
		OutputTokens: llm.SafeNum(raw["completion_tokens"]),
	}
}

func buildCompatMessages(req llm.Request) []oaiMessage {
	var out []oaiMessage
	for _, s := range req.System {
		out = append(out, oaiMessage{Role: "system", Content: s})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
			text, toolCalls := splitCompatParts(msg.Parts)
			if msg.Role == llm.RoleAssistant && len(toolCalls) > 0 {
				out = append(out, oaiMessage{Role: "assistant", Content: text, ToolCalls: toolCalls})
				continue
			}
			if text == "" {
				continue
			}
			out = append(out, oaiMessage{Role: string(msg.Role), Content: text})
		case llm.RoleTool:
			for _, part := range msg.Parts {
				if part.Type != llm.PartToolResult || part.ToolResult == nil {
					continue
				}
				out = append(out, oaiMessage{
					Role:       "tool",
					Content:    part.ToolResult.Content,
					ToolCallID: part.ToolResult.ID,
				})
			}
		}
	}
	return out
}

func splitCompatParts(parts []llm.Part) (string, []oaiToolCall) {
	var text []string
	var toolCalls []oaiToolCall
	for _, part := range parts {
		switch part.Type {
		case llm.PartText:
			if part.Text != "" {
				text = append(text, part.Text)
			}
		case llm.PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			call := oaiToolCall{ID: part.ToolCall.ID, Type: "function"}
			call.Function.Name = part.ToolCall.Name
			call.Function.Arguments = string(part.ToolCall.Arguments)
			toolCalls = append(toolCalls, call)
		}
	}
	return strings.Join(text, ""), toolCalls
}

func buildCompatTools(specs []llm.ToolSpec) ([]oaiTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]oaiTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}

// compatToolState assembles streamed tool call fragments keyed by index.
type compatToolState struct {
	byIndex map[int]*compatToolBuilder
	order   []int
}

type compatToolBuilder struct {
	id   string
	name string
	args strings.Builder
}

func newCompatToolState() *compatToolState {
	return &compatToolState{byIndex: make(map[int]*compatToolBuilder)}
}

func (s *compatToolState) Add(calls []oaiToolCall) {
	for _, call := range calls {
		b, ok := s.byIndex[call.Index]
		if !ok {
			b = &compatToolBuilder{}
			s.byIndex[call.Index] = b
			s.order = append(s.order, call.Index)
		}
		if call.ID != "" {
			b.id = call.ID
		}
		if call.Function.Name != "" {
			b.name = call.Function.Name
		}
		if call.Function.Arguments != "" {
			b.args.WriteString(call.Function.Arguments)
		}
	}
}

func (s *compatToolState) Calls() []llm.ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]llm.ToolCall, 0, len(s.order))
	for _, idx := range s.order {
		b := s.byIndex[idx]
		if b == nil {
			continue
		}
		calls = append(calls, llm.ToolCall{
			ID:        b.id,
			Name:      b.name,
			Arguments: json.RawMessage(b.args.String()),
		})
	}
	return calls
}

// ListModels queries the provider's model listing endpoint through the
// official OpenAI client.
func ListModels(ctx context.Context, cfg Config) ([]string, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.Client),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}
