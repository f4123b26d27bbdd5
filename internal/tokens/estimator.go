// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokens provides token cost estimation strategies for budget
// accounting and request planning.
package tokens

import (
	"log"

	"github.com/pkoukk/tiktoken-go"
)

// =============================================================================
// ESTIMATOR INTERFACE
// =============================================================================

// Estimator converts text to an estimated token cost.
//
// Implementations must return a non-negative count, be monotonic
// non-decreasing in input length, and never fail: estimation faults degrade
// to a cheaper strategy instead of propagating.
type Estimator interface {
	Estimate(text string) int
}

// =============================================================================
// HEURISTIC ESTIMATOR
// =============================================================================

// DefaultOverhead is the fixed structural framing cost charged per message on
// top of the byte-length estimate.
const DefaultOverhead = 10

// Heuristic estimates tokens as ceil(bytes/4) plus a fixed per-message
// overhead. It deliberately overestimates slightly so budgets err on the safe
// side of the provider's context limit.
type Heuristic struct {
	Overhead int
}

// NewHeuristic returns a heuristic estimator with the default overhead.
func NewHeuristic() *Heuristic {
	return &Heuristic{Overhead: DefaultOverhead}
}

// Estimate implements Estimator. Empty text costs exactly the overhead.
func (h *Heuristic) Estimate(text string) int {
	return (len(text)+3)/4 + h.Overhead
}

// =============================================================================
// PLANNING ESTIMATOR
// =============================================================================

// Planning wraps another estimator and scales its result by 5/4, reserving
// headroom for the eventual completion. Intended for budget planning rather
// than post-hoc accounting.
type Planning struct {
	Inner Estimator
}

// Estimate implements Estimator, rounding the scaled value up.
func (p *Planning) Estimate(text string) int {
	n := p.Inner.Estimate(text)
	return (n*5 + 3) / 4
}

// =============================================================================
// VOCABULARY ESTIMATOR
// =============================================================================

// fallbackEncoding is the general-purpose vocabulary used when a model's own
// vocabulary cannot be resolved.
const fallbackEncoding = "cl100k_base"

// encoder counts tokens against a concrete subword vocabulary. Kept as an
// interface so tests can run without fetching vocabulary files.
type encoder interface {
	Count(text string) int
}

// tiktokenEncoder adapts a tiktoken encoding to the encoder interface.
type tiktokenEncoder struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenEncoder) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Vocabulary estimates tokens with a model-specific subword vocabulary.
// Resolution failures degrade: first to the general-purpose fallback
// vocabulary, then to the byte-length heuristic. Construction never fails.
type Vocabulary struct {
	enc      encoder
	fallback Estimator
}

// NewVocabulary resolves the vocabulary for the given model name.
func NewVocabulary(model string) *Vocabulary {
	v := &Vocabulary{fallback: NewHeuristic()}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		log.Printf("WARN no vocabulary for model %q: %v; using %s", model, err, fallbackEncoding)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		log.Printf("WARN fallback vocabulary unavailable: %v; using heuristic estimate", err)
		return v
	}

	v.enc = &tiktokenEncoder{enc: enc}
	return v
}

// newVocabularyWithEncoder is the test constructor.
func newVocabularyWithEncoder(enc encoder) *Vocabulary {
	return &Vocabulary{enc: enc, fallback: NewHeuristic()}
}

// Estimate implements Estimator.
func (v *Vocabulary) Estimate(text string) int {
	if v.enc != nil {
		return v.enc.Count(text)
	}
	return v.fallback.Estimate(text)
}

// =============================================================================
// SELECTION
// =============================================================================

// ForConfig returns the estimator named by the configuration. Unknown names
// fall back to the heuristic so a typo in config never breaks startup.
func ForConfig(kind, model string) Estimator {
	switch kind {
	case "vocabulary", "tiktoken":
		return NewVocabulary(model)
	case "heuristic-planning":
		return &Planning{Inner: NewHeuristic()}
	case "heuristic", "":
		return NewHeuristic()
	default:
		log.Printf("WARN unknown estimator %q; using heuristic", kind)
		return NewHeuristic()
	}
}
