package llm

import "testing"

func TestNormalizeFinishReasonStrings(t *testing.T) {
	cases := []struct {
		raw  any
		want FinishReason
	}{
		{"stop", FinishStop},
		{"end_turn", FinishStop},
		{"STOP", FinishStop},
		{"length", FinishLength},
		{"max_tokens", FinishLength},
		{"tool_calls", FinishToolCalls},
		{"tool-calls", FinishToolCalls},
		{"tool_use", FinishToolCalls},
		{"function_call", FinishToolCalls},
		{"content_filter", FinishContentFilter},
		{"safety", FinishContentFilter},
		{"error", FinishError},
		{"", FinishUnknown},
		{nil, FinishUnknown},
		{"some-novel-reason", FinishUnknown},
		{42, FinishUnknown},
	}
	for _, tc := range cases {
		if got := NormalizeFinishReason(tc.raw); got != tc.want {
			t.Errorf("NormalizeFinishReason(%v) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeFinishReasonObjects(t *testing.T) {
	// unified wins over the other keys.
	raw := map[string]any{"unified": "tool-calls", "raw": "tool_calls", "reason": "stop"}
	if got := NormalizeFinishReason(raw); got != FinishToolCalls {
		t.Fatalf("got %q, want tool-calls", got)
	}

	// Key probe order: unified, type, finishReason, reason.
	raw = map[string]any{"finishReason": "length", "reason": "stop"}
	if got := NormalizeFinishReason(raw); got != FinishLength {
		t.Fatalf("got %q, want length", got)
	}

	raw = map[string]any{"reason": "stop"}
	if got := NormalizeFinishReason(raw); got != FinishStop {
		t.Fatalf("got %q, want stop", got)
	}

	// No string-valued key at all falls back to unknown.
	raw = map[string]any{"unified": 7}
	if got := NormalizeFinishReason(raw); got != FinishUnknown {
		t.Fatalf("got %q, want unknown", got)
	}
}

func TestNormalizeFinishReasonNeverReturnsRawObject(t *testing.T) {
	raw := map[string]any{"weird": true}
	got := NormalizeFinishReason(raw)
	switch got {
	case FinishStop, FinishLength, FinishToolCalls, FinishContentFilter, FinishError, FinishUnknown:
	default:
		t.Fatalf("non-canonical finish reason %q", got)
	}
}
