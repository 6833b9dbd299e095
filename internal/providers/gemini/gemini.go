// Package gemini adapts the official Google GenAI SDK to the gateway's
// Invoker interface. It covers text completion, embeddings, and vision
// analysis.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/google/uuid"

	"github.com/nulpointcorp/paygate/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider implements providers.Invoker over the Google Gemini API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Gemini provider. Returns an error when the underlying client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.DispatchTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Supports(op providers.Operation) bool {
	switch op {
	case providers.OpCompletion, providers.OpEmbedding, providers.OpVision:
		return true
	}
	return false
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// Invoke dispatches one canonical request to the matching Gemini API.
func (p *Provider) Invoke(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	switch in := req.Params.(type) {
	case providers.CompletionParams:
		return p.complete(ctx, req.Model, in)
	case providers.EmbeddingParams:
		return p.embed(ctx, req.Model, in)
	case providers.VisionParams:
		return p.analyze(ctx, req.Model, in)
	default:
		return nil, fmt.Errorf("gemini: unsupported operation %s", req.Operation)
	}
}

func (p *Provider) complete(ctx context.Context, model string, in providers.CompletionParams) (*providers.Result, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(in.Text, genai.RoleUser),
	}

	var cfg *genai.GenerateContentConfig
	if in.Temperature > 0 || in.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if in.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(in.Temperature))
		}
		if in.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(in.MaxTokens)
		}
	}

	return p.generate(ctx, model, providers.OpCompletion, contents, cfg)
}

func (p *Provider) analyze(ctx context.Context, model string, in providers.VisionParams) (*providers.Result, error) {
	imgPart, err := imagePart(in.Image)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts(
			[]*genai.Part{imgPart, genai.NewPartFromText(in.Prompt)},
			genai.RoleUser,
		),
	}

	return p.generate(ctx, model, providers.OpVision, contents, nil)
}

func (p *Provider) generate(
	ctx context.Context,
	model string,
	op providers.Operation,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Result, error) {
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := ""
	text := ""
	var usage providers.Usage
	if resp != nil {
		id = resp.ResponseID
		text = resp.Text()
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}
	if id == "" {
		id = "gemini-" + uuid.NewString()
	}

	return &providers.Result{
		ID:        id,
		Model:     model,
		Operation: op,
		Text:      text,
		Usage:     usage,
	}, nil
}

// embed sends all input strings in a single EmbedContent call as a batch of
// Contents.
func (p *Provider) embed(ctx context.Context, model string, in providers.EmbeddingParams) (*providers.Result, error) {
	contents := make([]*genai.Content, len(in.Input))
	for i, text := range in.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := p.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", toProviderError(err))
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini: embed: empty response")
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		vectors[i] = emb.Values
	}

	return &providers.Result{
		ID:         "gemini-" + uuid.NewString(),
		Model:      model,
		Operation:  providers.OpEmbedding,
		Embeddings: vectors,
	}, nil
}

// imagePart converts either a base64 data URI or a plain URL into a content
// part.
func imagePart(image string) (*genai.Part, error) {
	if rest, found := strings.CutPrefix(image, "data:"); found {
		mediaType, encoded, ok := strings.Cut(rest, ";base64,")
		if !ok || mediaType == "" || encoded == "" {
			return nil, fmt.Errorf("malformed image data URI")
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode image data URI: %w", err)
		}
		return genai.NewPartFromBytes(raw, mediaType), nil
	}
	return genai.NewPartFromURI(image, "image/jpeg"), nil
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
