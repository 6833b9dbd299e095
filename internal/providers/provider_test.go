package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// statusErr is a provider error carrying an upstream HTTP status.
type statusErr struct {
	status int
}

func (e *statusErr) Error() string   { return fmt.Sprintf("upstream returned %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("invoke: %w", context.DeadlineExceeded), true},
		{"429 rate limited", &statusErr{429}, true},
		{"500 server error", &statusErr{500}, true},
		{"502 bad gateway", &statusErr{502}, true},
		{"503 unavailable", &statusErr{503}, true},
		{"400 bad request", &statusErr{400}, false},
		{"401 unauthorized", &statusErr{401}, false},
		{"404 not found", &statusErr{404}, false},
		{"422 unprocessable", &statusErr{422}, false},
		{"wrapped 503", fmt.Errorf("invoke: %w", &statusErr{503}), true},
		{"wrapped 400", fmt.Errorf("invoke: %w", &statusErr{400}), false},
		{"opaque network error", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline exceeded", context.DeadlineExceeded, "timeout"},
		{"wrapped deadline", fmt.Errorf("invoke: %w", context.DeadlineExceeded), "timeout"},
		{"429", &statusErr{429}, "http_429"},
		{"503", &statusErr{503}, "http_503"},
		{"wrapped 400", fmt.Errorf("invoke: %w", &statusErr{400}), "http_400"},
		{"opaque error", errors.New("connection refused"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestParams_OperationTags(t *testing.T) {
	tests := []struct {
		params Params
		want   Operation
	}{
		{CompletionParams{}, OpCompletion},
		{AudioParams{}, OpAudio},
		{ImageParams{}, OpImage},
		{EmbeddingParams{}, OpEmbedding},
		{VisionParams{}, OpVision},
	}
	for _, tt := range tests {
		if got := tt.params.Operation(); got != tt.want {
			t.Errorf("%T.Operation() = %s, want %s", tt.params, got, tt.want)
		}
	}
}
