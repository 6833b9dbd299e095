// Package registry holds the model catalog: the mapping from a canonical
// model identifier "provider/model" to the operations it supports and its
// unit pricing. The registry is immutable at request time — entries change
// only through administration, never through the request pipeline.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/paygate/internal/providers"
)

// Sentinel errors for model resolution. Callers match with errors.Is.
var (
	ErrInvalidFormat    = errors.New("invalid model format")
	ErrUnsupportedModel = errors.New("unsupported model")
)

// Descriptor describes one registered model. PerThousandUnits is the price in
// micro-USDC per 1000 billable units; the unit depends on the operation
// (tokens for completion/embedding/vision, characters for audio, images for
// image generation).
type Descriptor struct {
	Provider         string
	Model            string
	Operations       map[providers.Operation]bool
	PerThousandUnits map[providers.Operation]int64
}

// ID returns the canonical "provider/model" identifier.
func (d *Descriptor) ID() string {
	return d.Provider + "/" + d.Model
}

// Supports reports whether the model supports op.
func (d *Descriptor) Supports(op providers.Operation) bool {
	return d.Operations[op]
}

// Registry is a read-only model catalog. Safe for concurrent use: the map is
// never mutated after construction.
type Registry struct {
	models map[string]*Descriptor
}

// New builds a Registry from a descriptor list. Later entries with the same
// identifier replace earlier ones.
func New(descs ...*Descriptor) *Registry {
	r := &Registry{models: make(map[string]*Descriptor, len(descs))}
	for _, d := range descs {
		r.models[d.ID()] = d
	}
	return r
}

// Resolve parses a canonical "provider/model" identifier and returns the
// matching Descriptor. The format is exactly one "/" separating a non-empty
// provider from a non-empty model name.
//
//   - Anything other than exactly one "/" → ErrInvalidFormat, message states
//     the expected shape.
//   - Unknown provider/model pair → ErrUnsupportedModel.
//   - Known model that does not support op → ErrUnsupportedModel.
func (r *Registry) Resolve(modelID string, op providers.Operation) (*Descriptor, error) {
	provider, model, found := strings.Cut(modelID, "/")
	if !found || provider == "" || model == "" || strings.Contains(model, "/") {
		return nil, fmt.Errorf("%w: %q — expected {provider}/{model}", ErrInvalidFormat, modelID)
	}

	d, ok := r.models[provider+"/"+model]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not in the model catalog", ErrUnsupportedModel, modelID)
	}
	if !d.Supports(op) {
		return nil, fmt.Errorf("%w: %q does not support %s", ErrUnsupportedModel, modelID, op)
	}

	return d, nil
}

// Len returns the number of registered models.
func (r *Registry) Len() int { return len(r.models) }

// Default returns the built-in model catalog. Prices are micro-USDC per 1000
// units and are deliberately coarse — exact upstream pricing is tracked by
// registry administration, not by this table.
func Default() *Registry {
	return New(
		&Descriptor{
			Provider:   "openai",
			Model:      "gpt-4",
			Operations: ops(providers.OpCompletion),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpCompletion: 30_000, // $0.03 / 1K tokens
			},
		},
		&Descriptor{
			Provider:   "openai",
			Model:      "gpt-4o",
			Operations: ops(providers.OpCompletion),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpCompletion: 5_000,
			},
		},
		&Descriptor{
			Provider:   "openai",
			Model:      "gpt-4o-mini",
			Operations: ops(providers.OpCompletion),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpCompletion: 600,
			},
		},
		&Descriptor{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Operations: ops(providers.OpEmbedding),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpEmbedding: 100,
			},
		},
		&Descriptor{
			Provider:   "openai",
			Model:      "tts-1",
			Operations: ops(providers.OpAudio),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpAudio: 15_000, // $0.015 / 1K characters
			},
		},
		&Descriptor{
			Provider:   "openai",
			Model:      "dall-e-3",
			Operations: ops(providers.OpImage),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpImage: 40_000_000, // $0.04 / image
			},
		},
		&Descriptor{
			Provider:   "anthropic",
			Model:      "claude-3-5-sonnet",
			Operations: ops(providers.OpCompletion, providers.OpVision),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpCompletion: 3_000,
				providers.OpVision:     3_000,
			},
		},
		&Descriptor{
			Provider:   "anthropic",
			Model:      "claude-3-haiku",
			Operations: ops(providers.OpCompletion),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpCompletion: 250,
			},
		},
		&Descriptor{
			Provider:   "gemini",
			Model:      "gemini-1.5-flash",
			Operations: ops(providers.OpCompletion, providers.OpVision),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpCompletion: 150,
				providers.OpVision:     150,
			},
		},
		&Descriptor{
			Provider:   "gemini",
			Model:      "text-embedding-004",
			Operations: ops(providers.OpEmbedding),
			PerThousandUnits: map[providers.Operation]int64{
				providers.OpEmbedding: 25,
			},
		},
	)
}

func ops(list ...providers.Operation) map[providers.Operation]bool {
	m := make(map[providers.Operation]bool, len(list))
	for _, op := range list {
		m[op] = true
	}
	return m
}
