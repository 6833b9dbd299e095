// Package providers defines the canonical request representation shared by
// all upstream provider implementations (OpenAI, Anthropic, Gemini).
//
// Each provider lives in its own sub-package and implements the Invoker
// interface for the subset of operations its upstream API supports. The
// canonical Request is constructed once per inbound call and never mutated;
// downstream stages attach their own records by reference.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Operation is the facility operation type, implied by the calling endpoint.
type Operation string

const (
	OpCompletion Operation = "completion"
	OpAudio      Operation = "audio"
	OpImage      Operation = "image"
	OpEmbedding  Operation = "embedding"
	OpVision     Operation = "vision"
)

// Operations lists every supported operation type.
var Operations = []Operation{OpCompletion, OpAudio, OpImage, OpEmbedding, OpVision}

// Params is the operation-tagged payload variant. Exactly one concrete type
// exists per operation; providers type-switch on it instead of inspecting
// dynamic maps.
type Params interface {
	Operation() Operation
}

type (
	// CompletionParams — POST /v1/text/completion.
	CompletionParams struct {
		Text        string
		MaxTokens   int
		Temperature float64
	}

	// AudioParams — POST /v1/audio/speech.
	AudioParams struct {
		Text  string
		Voice string
	}

	// ImageParams — POST /v1/images/generate.
	ImageParams struct {
		Prompt string
		Size   string
	}

	// EmbeddingParams — POST /v1/embeddings. Input always has at least one element.
	EmbeddingParams struct {
		Input []string
	}

	// VisionParams — POST /v1/vision/analyze. Image is a URL or a base64 data URI.
	VisionParams struct {
		Image  string
		Prompt string
	}
)

func (CompletionParams) Operation() Operation { return OpCompletion }
func (AudioParams) Operation() Operation      { return OpAudio }
func (ImageParams) Operation() Operation      { return OpImage }
func (EmbeddingParams) Operation() Operation  { return OpEmbedding }
func (VisionParams) Operation() Operation     { return OpVision }

// Request is the canonical, endpoint-independent request. EstimatedCost is
// in micro-USDC (1 USDC = 1_000_000 micros).
type Request struct {
	AccountID       string
	Operation       Operation
	Provider        string
	Model           string // provider-native model name (after "provider/" is stripped)
	Params          Params
	EstimatedCost   int64
	ClientRequestID string
}

// Usage — upstream token usage, when the provider reports it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the raw provider response before normalization. Only the fields
// relevant to the request's operation are populated.
type Result struct {
	ID         string
	Model      string
	Operation  Operation
	Text       string      // completion, vision
	Audio      []byte      // audio (encoded bytes)
	Images     []string    // image (URLs or base64 payloads)
	Embeddings [][]float32 // embedding
	Usage      Usage
}

// Invoker is the upstream provider interface. Invoke must honor ctx deadlines
// — the dispatcher bounds every attempt with a timeout.
type Invoker interface {
	Name() string
	Supports(op Operation) bool
	Invoke(ctx context.Context, req *Request) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Dispatch defaults.
const (
	MaxAttempts     = 3
	DispatchTimeout = 30 * time.Second
	BackoffBase     = 200 * time.Millisecond
)

// Circuit breaker defaults.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
)

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status code.
type StatusCoder interface {
	HTTPStatus() int
}

// IsTransient reports whether err is worth retrying.
//
//   - timeouts, 429, and 5xx → transient
//   - other 4xx (bad request, auth, unsupported parameter) → permanent
//   - unknown errors → transient (conservative: network-level failures
//     usually surface as opaque errors)
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status == 429 {
			return true
		}
		return status >= 500 && status < 600
	}
	return true
}

// Classify converts an error into a short category string for log fields and
// metrics labels.
func Classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
