package llm

import "strings"

// FinishReason is the canonical reason a model step ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
	FinishUnknown       FinishReason = "unknown"
)

// NormalizeFinishReason is the sole constructor of FinishReason from provider
// output. raw may be a plain string or an object containing any of
// {unified, type, finishReason, reason}; the first non-empty of those wins.
// Anything unrecognized maps to FinishUnknown.
func NormalizeFinishReason(raw any) FinishReason {
	s := extractReasonString(raw)
	if s == "" {
		return FinishUnknown
	}
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case "stop", "end-turn", "stop-sequence", "completed", "done":
		return FinishStop
	case "length", "max-tokens", "max-output-tokens", "model-length":
		return FinishLength
	case "tool-calls", "tool-use", "function-call", "tool-call":
		return FinishToolCalls
	case "content-filter", "safety", "refusal", "prohibited-content":
		return FinishContentFilter
	case "error", "failed":
		return FinishError
	default:
		return FinishUnknown
	}
}

// extractReasonString digs a reason string out of the provider value. Objects
// are probed in the documented key order.
func extractReasonString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case FinishReason:
		return string(v)
	case map[string]any:
		for _, key := range []string{"unified", "type", "finishReason", "reason"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	default:
		return ""
	}
}
