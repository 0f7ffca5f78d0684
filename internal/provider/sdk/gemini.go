package sdk

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/link-assistant/agent/internal/llm"
)

type geminiModel struct {
	cfg     Config
	modelID string
}

func newGeminiModel(cfg Config) (llm.LanguageModel, error) {
	return &geminiModel{cfg: cfg, modelID: cfg.ModelID}, nil
}

func (m *geminiModel) ProviderID() string { return "google" }
func (m *geminiModel) ModelID() string    { return m.modelID }

func (m *geminiModel) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	return llm.NewDeltaStream(ctx, func(ctx context.Context, deltas chan<- llm.Delta) error {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     m.cfg.APIKey,
			HTTPClient: m.cfg.Client,
		})
		if err != nil {
			return fmt.Errorf("create gemini client: %w", err)
		}

		system, contents := buildGeminiContents(req)
		if len(contents) == 0 {
			return fmt.Errorf("no content provided")
		}

		config := &genai.GenerateContentConfig{}
		if system != "" {
			config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		}
		if len(req.Tools) > 0 {
			config.Tools = buildGeminiTools(req.Tools)
		}
		if req.MaxOutputTokens > 0 {
			config.MaxOutputTokens = int32(req.MaxOutputTokens)
		}

		var lastResp *genai.GenerateContentResponse
		finishReason := ""
		sawToolCall := false

		for resp, err := range client.Models.GenerateContentStream(ctx, m.modelID, contents, config) {
			if err != nil {
				return fmt.Errorf("gemini streaming: %w", err)
			}
			lastResp = resp
			for _, cand := range resp.Candidates {
				if cand.FinishReason != "" {
					finishReason = string(cand.FinishReason)
				}
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part.Text != "" && !part.Thought {
						deltas <- llm.Delta{Type: llm.DeltaText, PartID: "txt_0", Text: part.Text}
					}
					if part.Text != "" && part.Thought {
						deltas <- llm.Delta{Type: llm.DeltaReasoning, PartID: "thk_0", Text: part.Text}
					}
					if part.FunctionCall != nil {
						args, _ := json.Marshal(part.FunctionCall.Args)
						sawToolCall = true
						deltas <- llm.Delta{Type: llm.DeltaToolCall, Tool: &llm.ToolCall{
							ID:        part.FunctionCall.ID,
							Name:      part.FunctionCall.Name,
							Arguments: args,
							State:     llm.ToolPending,
						}}
					}
				}
			}
		}

		var rawUsage map[string]any
		if lastResp != nil && lastResp.UsageMetadata != nil {
			u := lastResp.UsageMetadata
			rawUsage = map[string]any{
				"inputTokens":  float64(u.PromptTokenCount),
				"outputTokens": float64(u.CandidatesTokenCount),
			}
			deltas <- llm.Delta{Type: llm.DeltaUsage, Usage: &llm.Usage{
				InputTokens:  int64(u.PromptTokenCount),
				OutputTokens: int64(u.CandidatesTokenCount),
			}}
		}
		if finishReason == "" && sawToolCall {
			finishReason = "tool_use"
		}
		deltas <- llm.Delta{Type: llm.DeltaFinish, RawReason: finishReason, RawUsage: rawUsage}
		return nil
	}), nil
}

func buildGeminiContents(req llm.Request) (string, []*genai.Content) {
	system := ""
	for _, s := range req.System {
		if system != "" {
			system += "\n\n"
		}
		system += s
	}
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			if t := msg.TextContent(); t != "" {
				if system != "" {
					system += "\n\n"
				}
				system += t
			}
		case llm.RoleUser:
			if c := buildGeminiContent(genai.RoleUser, msg.Parts); c != nil {
				contents = append(contents, c)
			}
		case llm.RoleAssistant:
			if c := buildGeminiContent(genai.RoleModel, msg.Parts); c != nil {
				contents = append(contents, c)
			}
		case llm.RoleTool:
			if c := buildGeminiToolResult(msg.Parts); c != nil {
				contents = append(contents, c)
			}
		}
	}
	return system, contents
}

func buildGeminiContent(role string, parts []llm.Part) *genai.Content {
	content := &genai.Content{Role: role}
	for _, part := range parts {
		switch part.Type {
		case llm.PartText:
			if part.Text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
			}
		case llm.PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   part.ToolCall.ID,
					Name: part.ToolCall.Name,
					Args: toolArgsToMap(part.ToolCall.Arguments),
				},
			})
		}
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func buildGeminiToolResult(parts []llm.Part) *genai.Content {
	content := &genai.Content{Role: genai.RoleUser}
	for _, part := range parts {
		if part.Type != llm.PartToolResult || part.ToolResult == nil {
			continue
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       part.ToolResult.ID,
				Name:     part.ToolResult.Name,
				Response: map[string]any{"output": part.ToolResult.Content},
			},
		})
	}
	if len(content.Parts) == 0 {
		return nil
	}
	return content
}

func toolArgsToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	return map[string]any{"_raw": string(raw)}
}

func buildGeminiTools(specs []llm.ToolSpec) []*genai.Tool {
	tools := make([]*genai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schemaToGenai(spec.Schema),
			}},
		})
	}
	return tools
}

func schemaToGenai(schema map[string]any) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{
		Type:     genaiType(schema),
		Required: schemaRequired(schema),
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				out.Properties[name] = schemaToGenai(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = schemaToGenai(items)
	}
	return out
}

func genaiType(schema map[string]any) genai.Type {
	t, _ := schema["type"].(string)
	switch t {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeObject
	}
}
