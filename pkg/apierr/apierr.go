// Package apierr provides structured API error responses in the gateway's
// uniform envelope: {"success": false, "message": ..., "code": ...}.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Code constants — the machine-readable cause of a failed request.
const (
	CodeUnauthorized       = "unauthorized"
	CodeInvalidModelFormat = "invalid_model_format"
	CodeUnsupportedModel   = "unsupported_model"
	CodeValidationError    = "validation_error"
	CodeInsufficientFunds  = "insufficient_funds"
	CodePerRequestLimit    = "per_request_limit_exceeded"
	CodePolicyRestricted   = "policy_restricted"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeInternalError      = "internal_error"
)

// Envelope is the uniform error body. Data carries structured detail for
// failures that must expose more than a message (e.g. reversal outcome on
// provider errors).
type Envelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message"`
	Code    string         `json:"code"`
}

// Write writes the error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, code string) {
	WriteData(ctx, status, message, code, nil)
}

// WriteData writes the error envelope with an attached data payload.
func WriteData(ctx *fasthttp.RequestCtx, status int, message, code string, data map[string]any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{
		Success: false,
		Data:    data,
		Message: message,
		Code:    code,
	})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 for a missing, malformed, unknown, or
// revoked API key. The message never distinguishes unknown from revoked.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="paygate"`)
	Write(ctx, fasthttp.StatusUnauthorized, "missing or invalid API key", CodeUnauthorized)
}

// WriteBudgetRejection writes a 402 with the structured rejection reason.
// Budget rejections are never surfaced as generic 400s.
func WriteBudgetRejection(ctx *fasthttp.RequestCtx, reason, message string) {
	WriteData(ctx, fasthttp.StatusPaymentRequired, message, reason,
		map[string]any{"reason": reason})
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", CodeRateLimitExceeded)
}

// WriteProviderFailure writes a 502 after a committed payment could not be
// dispatched. The body states whether the compensating reversal succeeded so
// the caller knows whether they were charged.
func WriteProviderFailure(ctx *fasthttp.RequestCtx, msg string, reversalSucceeded bool) {
	reversal := "succeeded"
	if !reversalSucceeded {
		reversal = "failed"
	}
	WriteData(ctx, fasthttp.StatusBadGateway, msg, CodeProviderError,
		map[string]any{"reversal": reversal})
}
