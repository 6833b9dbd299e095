package registry

import "github.com/nulpointcorp/paygate/internal/providers"

// defaultCompletionBudget is the assumed output token count when the caller
// does not set max_tokens. Estimation must cover the worst case the caller
// can be charged for, so the reservation is never smaller than the spend.
const defaultCompletionBudget = 256

// EstimateCost computes the estimated cost of a request in micro-USDC from
// the descriptor's unit price and the payload size. The formula is registry
// policy: callers treat it as opaque.
//
// Billable units per operation:
//
//	completion  input tokens + output token budget
//	audio       input characters
//	image       one unit per request (the table price is per 1000 images)
//	embedding   total input tokens
//	vision      prompt tokens + flat per-image token charge
func EstimateCost(d *Descriptor, p providers.Params) int64 {
	op := p.Operation()
	perK, ok := d.PerThousandUnits[op]
	if !ok {
		return 0
	}

	var units int64
	switch v := p.(type) {
	case providers.CompletionParams:
		budget := int64(v.MaxTokens)
		if budget <= 0 {
			budget = defaultCompletionBudget
		}
		units = estimateTokens(v.Text) + budget

	case providers.AudioParams:
		units = int64(len(v.Text))

	case providers.ImageParams:
		units = 1 // one image per request

	case providers.EmbeddingParams:
		for _, in := range v.Input {
			units += estimateTokens(in)
		}

	case providers.VisionParams:
		// Flat 1000-token charge per image plus the prompt.
		units = estimateTokens(v.Prompt) + 1000
	}

	if units <= 0 {
		units = 1
	}

	cost := units * perK / 1000
	if cost < 1 {
		cost = 1 // never reserve zero for a billable call
	}
	return cost
}

// estimateTokens approximates the token count of s (~4 characters per token).
func estimateTokens(s string) int64 {
	n := int64(len(s)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// MicrosToUSD converts micro-USDC to a float dollar amount for receipts.
func MicrosToUSD(micros int64) float64 {
	return float64(micros) / 1_000_000
}
