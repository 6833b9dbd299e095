package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/paygate/internal/providers"
)

// ValidationError names the missing or malformed request field. Handlers map
// it to a 400 with the validation_error code.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("field '%s' %s", e.Field, e.Detail)
	}
	return fmt.Sprintf("field '%s' is required", e.Field)
}

func missing(field string) error {
	return &ValidationError{Field: field}
}

// ── Inbound request shapes ───────────────────────────────────────────────────

type (
	// common holds the fields shared by every endpoint body.
	common struct {
		Model           string `json:"model"`
		ClientRequestID string `json:"client_request_id"`
	}

	completionRequest struct {
		common
		Text        string  `json:"text"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
	}

	audioRequest struct {
		common
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}

	imageRequest struct {
		common
		Prompt string `json:"prompt"`
		Size   string `json:"size"`
	}

	embeddingRequest struct {
		common
		Input json.RawMessage `json:"input"`
	}

	visionRequest struct {
		common
		Image  string `json:"image"`
		Prompt string `json:"prompt"`
	}
)

// transform parses the endpoint-specific body for op and validates its
// required fields, returning the model identifier, the caller's idempotency
// key, and the operation-tagged params.
func transform(op providers.Operation, body []byte) (model, clientRequestID string, params providers.Params, err error) {
	switch op {
	case providers.OpCompletion:
		var req completionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", "", nil, invalidJSON(err)
		}
		if req.Model == "" {
			return "", "", nil, missing("model")
		}
		if req.Text == "" {
			return "", "", nil, missing("text")
		}
		if req.MaxTokens < 0 {
			return "", "", nil, &ValidationError{Field: "max_tokens", Detail: "must not be negative"}
		}
		return req.Model, req.ClientRequestID, providers.CompletionParams{
			Text:        req.Text,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}, nil

	case providers.OpAudio:
		var req audioRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", "", nil, invalidJSON(err)
		}
		if req.Model == "" {
			return "", "", nil, missing("model")
		}
		if req.Text == "" {
			return "", "", nil, missing("text")
		}
		if req.Voice == "" {
			return "", "", nil, missing("voice")
		}
		return req.Model, req.ClientRequestID, providers.AudioParams{
			Text:  req.Text,
			Voice: req.Voice,
		}, nil

	case providers.OpImage:
		var req imageRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", "", nil, invalidJSON(err)
		}
		if req.Model == "" {
			return "", "", nil, missing("model")
		}
		if req.Prompt == "" {
			return "", "", nil, missing("prompt")
		}
		return req.Model, req.ClientRequestID, providers.ImageParams{
			Prompt: req.Prompt,
			Size:   req.Size,
		}, nil

	case providers.OpEmbedding:
		var req embeddingRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", "", nil, invalidJSON(err)
		}
		if req.Model == "" {
			return "", "", nil, missing("model")
		}
		inputs, err := parseEmbeddingInput(req.Input)
		if err != nil {
			return "", "", nil, err
		}
		return req.Model, req.ClientRequestID, providers.EmbeddingParams{
			Input: inputs,
		}, nil

	case providers.OpVision:
		var req visionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", "", nil, invalidJSON(err)
		}
		if req.Model == "" {
			return "", "", nil, missing("model")
		}
		if req.Image == "" {
			return "", "", nil, missing("image")
		}
		if req.Prompt == "" {
			return "", "", nil, missing("prompt")
		}
		return req.Model, req.ClientRequestID, providers.VisionParams{
			Image:  req.Image,
			Prompt: req.Prompt,
		}, nil
	}

	return "", "", nil, fmt.Errorf("pipeline: unknown operation %s", op)
}

func invalidJSON(err error) error {
	return &ValidationError{Field: "body", Detail: fmt.Sprintf("invalid JSON: %s", err.Error())}
}

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The field accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, missing("input")
	}
	// Try array first.
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, &ValidationError{Field: "input", Detail: "must not be empty"}
		}
		for _, s := range arr {
			if s == "" {
				return nil, &ValidationError{Field: "input", Detail: "must not contain empty strings"}
			}
		}
		return arr, nil
	}
	// Try bare string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, &ValidationError{Field: "input", Detail: "must not be empty"}
		}
		return []string{s}, nil
	}
	return nil, &ValidationError{Field: "input", Detail: "must be a string or array of strings"}
}
