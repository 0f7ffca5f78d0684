package sdk

import (
	"context"
	"fmt"

	"github.com/link-assistant/agent/internal/llm"
)

// dryRunModel emits a short synthetic turn without any network traffic.
type dryRunModel struct {
	providerID string
	modelID    string
}

func newDryRunModel(cfg Config) llm.LanguageModel {
	return &dryRunModel{providerID: cfg.ProviderID, modelID: cfg.ModelID}
}

func (m *dryRunModel) ProviderID() string { return m.providerID }
func (m *dryRunModel) ModelID() string    { return m.modelID }

func (m *dryRunModel) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	text := fmt.Sprintf("[dry-run] %s/%s would answer %d message(s) here.",
		m.providerID, m.modelID, len(req.Messages))
	return llm.SliceStream([]llm.Delta{
		{Type: llm.DeltaText, PartID: "txt_0", Text: text},
		{Type: llm.DeltaUsage, Usage: &llm.Usage{InputTokens: 1, OutputTokens: 1}},
		{
			Type:      llm.DeltaFinish,
			RawReason: "stop",
			RawUsage:  map[string]any{"inputTokens": float64(1), "outputTokens": float64(1)},
		},
	}), nil
}
