package llm

import (
	"math"
	"strconv"
)

// SafeNum coerces a provider-supplied token count into an int64. Providers
// send numbers, numeric strings, objects with a "total" field, or nothing at
// all; every shape maps to a number and the coercion never fails.
func SafeNum(v any) int64 {
	switch n := v.(type) {
	case nil:
		return 0
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int64(n)
	case float32:
		return SafeNum(float64(n))
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return int64(f)
	case map[string]any:
		if t, ok := n["total"]; ok {
			return SafeNum(t)
		}
		return 0
	default:
		return 0
	}
}

// ParseUsage builds a Usage from a raw usage blob, falling back to nested
// OpenRouter-style metadata when the top-level blob carries nothing.
func ParseUsage(raw map[string]any, providerMetadata map[string]any) Usage {
	u := usageFromBlob(raw)
	if u.Total() == 0 {
		if nested := openRouterUsage(providerMetadata); nested != nil {
			u = usageFromBlob(nested)
		}
	}
	return u
}

func usageFromBlob(raw map[string]any) Usage {
	if raw == nil {
		return Usage{}
	}
	u := Usage{
		InputTokens:      firstNum(raw, "inputTokens", "input_tokens", "promptTokens", "prompt_tokens"),
		OutputTokens:     firstNum(raw, "outputTokens", "output_tokens", "completionTokens", "completion_tokens"),
		ReasoningTokens:  firstNum(raw, "reasoningTokens", "reasoning_tokens"),
		CacheReadTokens:  firstNum(raw, "cachedInputTokens", "cache_read_input_tokens", "cacheReadTokens"),
		CacheWriteTokens: firstNum(raw, "cacheCreationInputTokens", "cache_creation_input_tokens", "cacheWriteTokens"),
	}
	// Some providers nest reasoning under outputTokens.reasoning; use it only
	// when the top-level reasoning count is absent so the two never sum.
	if u.ReasoningTokens == 0 {
		if obj, ok := raw["outputTokens"].(map[string]any); ok {
			u.ReasoningTokens = SafeNum(obj["reasoning"])
		}
	}
	return u
}

func firstNum(raw map[string]any, keys ...string) int64 {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			if n := SafeNum(v); n != 0 {
				return n
			}
		}
	}
	return 0
}

func openRouterUsage(providerMetadata map[string]any) map[string]any {
	if providerMetadata == nil {
		return nil
	}
	or, ok := providerMetadata["openrouter"].(map[string]any)
	if !ok {
		return nil
	}
	usage, ok := or["usage"].(map[string]any)
	if !ok {
		return nil
	}
	return usage
}
