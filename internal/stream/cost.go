package stream

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/link-assistant/agent/internal/catalog"
	"github.com/link-assistant/agent/internal/llm"
)

var tokensPerPrice = decimal.NewFromInt(1_000_000)

// StepCost prices a step's usage against the model's per-million-token
// cost table and returns USD as a decimal string. Non-finite rates clamp
// to zero; the arithmetic itself is exact.
func StepCost(cost catalog.Cost, usage llm.Usage) string {
	total := tokenCost(cost.Input, usage.InputTokens).
		Add(tokenCost(cost.Output, usage.OutputTokens)).
		Add(tokenCost(cost.CacheRead, usage.CacheReadTokens)).
		Add(tokenCost(cost.CacheWrite, usage.CacheWriteTokens))
	return total.String()
}

func tokenCost(ratePerMillion float64, tokens int64) decimal.Decimal {
	if math.IsNaN(ratePerMillion) || math.IsInf(ratePerMillion, 0) || ratePerMillion < 0 {
		ratePerMillion = 0
	}
	if tokens <= 0 {
		return decimal.Zero
	}
	rate := decimal.NewFromFloat(ratePerMillion)
	return rate.Mul(decimal.NewFromInt(tokens)).Div(tokensPerPrice)
}
