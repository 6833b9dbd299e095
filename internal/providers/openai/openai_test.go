package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/paygate/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func completionRequest() *providers.Request {
	return &providers.Request{
		Model:     "gpt-4o",
		Operation: providers.OpCompletion,
		Params:    providers.CompletionParams{Text: "Hello"},
	}
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode request body as json: %v", err)
	}
	return m
}

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func requireProviderError(t *testing.T, err error, wantStatus int) *ProviderError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected error to be *ProviderError (via errors.As), got %T: %v", err, err)
	}
	if pe.StatusCode != wantStatus {
		t.Fatalf("expected status=%d, got %d", wantStatus, pe.StatusCode)
	}
	if pe.HTTPStatus() != wantStatus {
		t.Fatalf("expected HTTPStatus()=%d, got %d", wantStatus, pe.HTTPStatus())
	}
	if pe.Type != "openai_error" {
		t.Fatalf("expected Type='openai_error', got %q", pe.Type)
	}
	return pe
}

func TestProvider_Name(t *testing.T) {
	p := New("key")
	if p.Name() != "openai" {
		t.Fatalf("expected 'openai', got %q", p.Name())
	}
}

func TestProvider_Supports(t *testing.T) {
	p := New("key")
	for _, op := range []providers.Operation{
		providers.OpCompletion, providers.OpEmbedding, providers.OpImage, providers.OpAudio,
	} {
		if !p.Supports(op) {
			t.Errorf("expected %s to be supported", op)
		}
	}
	if p.Supports(providers.OpVision) {
		t.Error("vision is not an openai operation here")
	}
}

func TestInvoke_Completion_Success(t *testing.T) {
	// Minimal chat.completion payload that openai-go/v3 can unmarshal.
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			t.Errorf("expected path to start with /v1/, got %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		body := decodeJSONMap(t, r)
		if body["model"] != "gpt-4o" {
			t.Errorf("expected model=gpt-4o, got %#v", body["model"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	res, err := p.Invoke(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", res.ID)
	}
	if res.Text != "Hello, world!" {
		t.Errorf("expected text 'Hello, world!', got %q", res.Text)
	}
	if res.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", res.Usage.InputTokens)
	}
	if res.Usage.OutputTokens != 5 {
		t.Errorf("expected 5 output tokens, got %d", res.Usage.OutputTokens)
	}
}

func TestInvoke_Completion_PassesTokenBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)
		if v, ok := body["max_completion_tokens"].(float64); !ok || int(v) != 128 {
			t.Errorf("expected max_completion_tokens=128, got %#v", body["max_completion_tokens"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o",
			"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "stop"}},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Invoke(context.Background(), &providers.Request{
		Model:     "gpt-4o",
		Operation: providers.OpCompletion,
		Params:    providers.CompletionParams{Text: "Hello", MaxTokens: 128},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInvoke_Embedding_ConvertsVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("expected embeddings path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []any{
				map[string]any{"object": "embedding", "index": 0, "embedding": []float64{0.25, -0.5}},
				map[string]any{"object": "embedding", "index": 1, "embedding": []float64{0.125}},
			},
			"usage": map[string]any{"prompt_tokens": 7, "total_tokens": 7},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	res, err := p.Invoke(context.Background(), &providers.Request{
		Model:     "text-embedding-3-small",
		Operation: providers.OpEmbedding,
		Params:    providers.EmbeddingParams{Input: []string{"alpha", "beta"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Embeddings) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(res.Embeddings))
	}
	if res.Embeddings[0][0] != 0.25 || res.Embeddings[0][1] != -0.5 {
		t.Errorf("first vector mangled: %v", res.Embeddings[0])
	}
	if len(res.Embeddings[1]) != 1 || res.Embeddings[1][0] != 0.125 {
		t.Errorf("second vector mangled: %v", res.Embeddings[1])
	}
	if res.Usage.InputTokens != 7 {
		t.Errorf("expected 7 input tokens, got %d", res.Usage.InputTokens)
	}
	if res.ID == "" {
		t.Error("expected a generated result ID")
	}
}

func TestInvoke_Image_ReturnsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 0,
			"data":    []any{map[string]any{"url": "https://img.example/fox.png"}},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	res, err := p.Invoke(context.Background(), &providers.Request{
		Model:     "dall-e-3",
		Operation: providers.OpImage,
		Params:    providers.ImageParams{Prompt: "a fox", Size: "1024x1024"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Images) != 1 || res.Images[0] != "https://img.example/fox.png" {
		t.Errorf("expected the image URL, got %v", res.Images)
	}
}

func TestInvoke_Image_EmptyResponseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"created": 0, "data": []any{}})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Invoke(context.Background(), &providers.Request{
		Model:     "dall-e-3",
		Operation: providers.OpImage,
		Params:    providers.ImageParams{Prompt: "a fox"},
	})
	if err == nil {
		t.Fatal("expected error when no images come back")
	}
}

func TestInvoke_Audio_ReturnsBytes(t *testing.T) {
	payload := []byte("mock-mp3-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			t.Errorf("expected speech path, got %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		if err := json.Unmarshal(body, &m); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if m["voice"] != defaultVoice {
			t.Errorf("expected default voice %q, got %#v", defaultVoice, m["voice"])
		}

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	res, err := p.Invoke(context.Background(), &providers.Request{
		Model:     "tts-1",
		Operation: providers.OpAudio,
		Params:    providers.AudioParams{Text: "read this"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(res.Audio, payload) {
		t.Errorf("audio bytes mangled: got %d bytes", len(res.Audio))
	}
}

func TestInvoke_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Invoke(context.Background(), completionRequest())
	pe := requireProviderError(t, err, http.StatusTooManyRequests)

	if !strings.Contains(strings.ToLower(pe.Message), "rate limit") {
		t.Errorf("expected message to contain rate limit text, got %q", pe.Message)
	}
	if !providers.IsTransient(err) {
		t.Error("429 must classify as transient")
	}
}

func TestInvoke_BadRequest_NotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "Unknown parameter")
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Invoke(context.Background(), completionRequest())
	_ = requireProviderError(t, err, http.StatusBadRequest)

	if providers.IsTransient(err) {
		t.Error("400 must classify as permanent")
	}
}

type recordingTransport struct {
	got *http.Request
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.got = req
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       http.NoBody,
		Request:    req,
	}, nil
}

func TestBaseURLTransport_RewritesHost(t *testing.T) {
	rec := &recordingTransport{}
	tr := newBaseURLTransport(rec, "http://mock.local:8099")

	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatal(err)
	}

	got := rec.got.URL
	if got.Scheme != "http" || got.Host != "mock.local:8099" {
		t.Errorf("host not rewritten: %s", got)
	}
	if got.Path != "/v1/chat/completions" {
		t.Errorf("path must stay untouched without a base path, got %q", got.Path)
	}
	// The original request is not mutated.
	if req.URL.Host != "api.openai.com" {
		t.Errorf("original request mutated: %s", req.URL)
	}
}

func TestBaseURLTransport_PrependsBasePath(t *testing.T) {
	rec := &recordingTransport{}
	tr := newBaseURLTransport(rec, "http://mock.local/upstream/")

	req, _ := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/embeddings", nil)
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatal(err)
	}

	if got := rec.got.URL.Path; got != "/upstream/v1/embeddings" {
		t.Errorf("expected base path prepended once, got %q", got)
	}

	// A path already under the base prefix is left alone.
	req2, _ := http.NewRequest(http.MethodGet, "https://api.openai.com/upstream/v1/models", nil)
	if _, err := tr.RoundTrip(req2); err != nil {
		t.Fatal(err)
	}
	if got := rec.got.URL.Path; got != "/upstream/v1/models" {
		t.Errorf("base path doubled: %q", got)
	}
}
