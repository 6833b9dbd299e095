// Package openai adapts the official OpenAI SDK to the gateway's Invoker
// interface. It covers text completion, embeddings, image generation, and
// speech synthesis.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/paygate/internal/providers"
)

// newResultID labels responses whose API does not return an identifier.
func newResultID() string { return "openai-" + uuid.NewString() }

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
	defaultVoice   = "alloy"
)

// Provider implements providers.Invoker over the OpenAI API.
type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates an OpenAI provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.DispatchTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Supports(op providers.Operation) bool {
	switch op {
	case providers.OpCompletion, providers.OpEmbedding, providers.OpImage, providers.OpAudio:
		return true
	}
	return false
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

// Invoke dispatches one canonical request to the matching OpenAI API.
func (p *Provider) Invoke(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	switch params := req.Params.(type) {
	case providers.CompletionParams:
		return p.complete(ctx, req.Model, params)
	case providers.EmbeddingParams:
		return p.embed(ctx, req.Model, params)
	case providers.ImageParams:
		return p.generateImage(ctx, req.Model, params)
	case providers.AudioParams:
		return p.synthesize(ctx, req.Model, params)
	default:
		return nil, fmt.Errorf("openai: unsupported operation %s", req.Operation)
	}
}

func (p *Provider) complete(ctx context.Context, model string, in providers.CompletionParams) (*providers.Result, error) {
	params := openaiSDK.ChatCompletionNewParams{
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(in.Text),
		},
		Model: model,
	}
	if in.Temperature != 0 {
		params.Temperature = openaiSDK.Float(in.Temperature)
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(in.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	return &providers.Result{
		ID:        resp.ID,
		Model:     resp.Model,
		Operation: providers.OpCompletion,
		Text:      text,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) embed(ctx context.Context, model string, in providers.EmbeddingParams) (*providers.Result, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: in.Input,
		},
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		vectors[i] = f32
	}

	return &providers.Result{
		ID:         newResultID(),
		Model:      resp.Model,
		Operation:  providers.OpEmbedding,
		Embeddings: vectors,
		Usage: providers.Usage{
			InputTokens: int(resp.Usage.PromptTokens),
		},
	}, nil
}

func (p *Provider) generateImage(ctx context.Context, model string, in providers.ImageParams) (*providers.Result, error) {
	params := openaiSDK.ImageGenerateParams{
		Prompt: in.Prompt,
		Model:  openaiSDK.ImageModel(model),
		N:      openaiSDK.Int(1),
	}
	if in.Size != "" {
		params.Size = openaiSDK.ImageGenerateParamsSize(in.Size)
	}

	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	images := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		switch {
		case d.URL != "":
			images = append(images, d.URL)
		case d.B64JSON != "":
			images = append(images, d.B64JSON)
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("openai: image generation returned no images")
	}

	return &providers.Result{
		ID:        newResultID(),
		Model:     model,
		Operation: providers.OpImage,
		Images:    images,
	}, nil
}

func (p *Provider) synthesize(ctx context.Context, model string, in providers.AudioParams) (*providers.Result, error) {
	voice := in.Voice
	if voice == "" {
		voice = defaultVoice
	}

	resp, err := p.client.Audio.Speech.New(ctx, openaiSDK.AudioSpeechNewParams{
		Model: openaiSDK.SpeechModel(model),
		Input: in.Text,
		Voice: openaiSDK.AudioSpeechNewParamsVoice(voice),
	})
	if err != nil {
		return nil, toProviderError(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech body: %w", err)
	}

	return &providers.Result{
		ID:        newResultID(),
		Model:     model,
		Operation: providers.OpAudio,
		Audio:     audio,
	}, nil
}

// ProviderError is a structured error returned by the OpenAI API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
