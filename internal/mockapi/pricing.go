package mockapi

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	ModelPrimary  = "llama-3.3-70b-versatile"
	ModelInstant  = "llama-3.1-8b-instant"
	ModelFallback = "ollama/llama3.1:8b"
)

type rate struct {
	input  decimal.Decimal
	output decimal.Decimal
}

// USD per million tokens.
var pricing = map[string]rate{
	ModelPrimary:  {decimal.RequireFromString("0.59"), decimal.RequireFromString("0.79")},
	ModelInstant:  {decimal.RequireFromString("0.05"), decimal.RequireFromString("0.08")},
	ModelFallback: {decimal.Zero, decimal.Zero},
}

var million = decimal.NewFromInt(1_000_000)

// Cost prices a call. Unknown models match by substring ("groq/llama-3.1-8b-instant")
// and otherwise pay the primary rate.
func Cost(model string, promptTokens, completionTokens int) decimal.Decimal {
	r, ok := pricing[model]
	if !ok {
		r = pricing[ModelPrimary]
		for _, name := range []string{ModelPrimary, ModelInstant, ModelFallback} {
			if strings.Contains(model, name) {
				r = pricing[name]
				break
			}
		}
	}
	in := decimal.NewFromInt(int64(promptTokens)).Div(million).Mul(r.input)
	out := decimal.NewFromInt(int64(completionTokens)).Div(million).Mul(r.output)
	return in.Add(out)
}
