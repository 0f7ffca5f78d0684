package llm

import "testing"

func TestSafeNum(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{nil, 0},
		{42, 42},
		{int64(7), 7},
		{3.0, 3},
		{"17", 17},
		{"NaN", 0},
		{"not a number", 0},
		{map[string]any{"total": 99.0}, 99},
		{map[string]any{"total": "12"}, 12},
		{map[string]any{"other": 5}, 0},
		{[]any{1, 2}, 0},
		{true, 0},
	}
	for _, tc := range cases {
		if got := SafeNum(tc.in); got != tc.want {
			t.Errorf("SafeNum(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseUsageTopLevel(t *testing.T) {
	u := ParseUsage(map[string]any{
		"inputTokens":  100.0,
		"outputTokens": "25",
		"cachedInputTokens": map[string]any{
			"total": 10.0,
		},
	}, nil)
	if u.InputTokens != 100 || u.OutputTokens != 25 || u.CacheReadTokens != 10 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}

func TestParseUsageOpenRouterFallback(t *testing.T) {
	meta := map[string]any{
		"openrouter": map[string]any{
			"usage": map[string]any{
				"prompt_tokens":     50.0,
				"completion_tokens": 20.0,
			},
		},
	}
	u := ParseUsage(map[string]any{}, meta)
	if u.InputTokens != 50 || u.OutputTokens != 20 {
		t.Fatalf("expected openrouter fallback, got %+v", u)
	}

	// Top-level usage present: the nested metadata is ignored.
	u = ParseUsage(map[string]any{"inputTokens": 5.0, "outputTokens": 1.0}, meta)
	if u.InputTokens != 5 || u.OutputTokens != 1 {
		t.Fatalf("top-level usage should win, got %+v", u)
	}
}

func TestParseUsageNestedReasoningNotDoubleCounted(t *testing.T) {
	u := ParseUsage(map[string]any{
		"inputTokens":     10.0,
		"reasoningTokens": 30.0,
		"outputTokens":    map[string]any{"total": 40.0, "reasoning": 25.0},
	}, nil)
	// Top-level reasoningTokens wins; nested outputTokens.reasoning ignored.
	if u.ReasoningTokens != 30 {
		t.Fatalf("reasoning = %d, want 30", u.ReasoningTokens)
	}

	u = ParseUsage(map[string]any{
		"outputTokens": map[string]any{"total": 40.0, "reasoning": 25.0},
	}, nil)
	if u.OutputTokens != 40 || u.ReasoningTokens != 25 {
		t.Fatalf("nested fallback: %+v", u)
	}
}

func TestParseUsageNeverPanics(t *testing.T) {
	_ = ParseUsage(nil, nil)
	_ = ParseUsage(map[string]any{"inputTokens": []any{"junk"}}, map[string]any{"openrouter": "bad"})
}
