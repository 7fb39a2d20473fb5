package batch

import (
	"github.com/dustin/go-humanize"

	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/provider"
)

// Pricing holds per-million-token rates used for the pre-submission estimate.
type Pricing struct {
	InputPerMTok  float64 `mapstructure:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `mapstructure:"output_per_mtok" json:"output_per_mtok"`

	// BatchDiscount is the fractional discount for batch requests (0.5 = 50%).
	BatchDiscount float64 `mapstructure:"batch_discount" json:"batch_discount"`
}

// charsPerToken approximates tokenizer density for Western European text.
const charsPerToken = 4

// Estimate approximates request volume and cost. Output tokens are estimated
// at a quarter of each request's max_tokens.
func (p Pricing) Estimate(lines []provider.InputLine, size int64) Estimate {
	var in, out int64
	for _, l := range lines {
		in += int64(len(l.Request.System)+len(l.Request.Prompt)) / charsPerToken
		out += int64(l.Request.MaxTokens) / 4
	}
	cost := (float64(in)*p.InputPerMTok + float64(out)*p.OutputPerMTok) / 1e6
	if p.BatchDiscount > 0 && p.BatchDiscount < 1 {
		cost *= 1 - p.BatchDiscount
	}
	return Estimate{jobstatus.Estimate{
		Requests:      len(lines),
		Bytes:         size,
		ApproxTokens:  in + out,
		ApproxCostUSD: cost,
	}}
}

// Estimate wraps jobstatus.Estimate with display helpers.
type Estimate struct {
	jobstatus.Estimate
}

// HumanBytes renders the input size ("1.2 MB").
func (e Estimate) HumanBytes() string {
	return humanize.Bytes(uint64(max(e.Bytes, 0)))
}

// HumanTokens renders the token estimate with thousands separators.
func (e Estimate) HumanTokens() string {
	return humanize.Comma(e.ApproxTokens)
}
