package capability

import (
	"context"
	"fmt"
	"sync/atomic"
)

// failoverState is shared by a primary/fallback pair. Once the fallback
// succeeds it stays active until it fails; then the primary is retried.
type failoverState struct {
	fallbackActive atomic.Bool
}

// do runs primary and fallback in the sticky order and returns which one served.
func failoverDo[T any](ctx context.Context, state *failoverState, name string, primary, fallback func(context.Context) (T, error)) (T, error) {
	if state.fallbackActive.Load() {
		out, fbErr := fallback(ctx)
		if fbErr == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, fbErr
		}
		out, prErr := primary(ctx)
		if prErr == nil {
			state.fallbackActive.Store(false)
			return out, nil
		}
		return out, fmt.Errorf("%s fallback failed: %v; %s primary failed: %w", name, fbErr, name, prErr)
	}

	out, prErr := primary(ctx)
	if prErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, prErr
	}
	out, fbErr := fallback(ctx)
	if fbErr != nil {
		return out, fmt.Errorf("%s primary failed: %v; %s fallback failed: %w", name, prErr, name, fbErr)
	}
	state.fallbackActive.Store(true)
	return out, nil
}

// FailoverSynthesizer prefers the primary text-to-speech backend and
// switches to the fallback when it fails.
type FailoverSynthesizer struct {
	state    failoverState
	primary  Synthesizer
	fallback Synthesizer
}

func NewFailoverSynthesizer(primary, fallback Synthesizer) *FailoverSynthesizer {
	return &FailoverSynthesizer{primary: primary, fallback: fallback}
}

func (f *FailoverSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (Speech, error) {
	return failoverDo(ctx, &f.state, NameSynthesize,
		func(ctx context.Context) (Speech, error) { return f.primary.Synthesize(ctx, req) },
		func(ctx context.Context) (Speech, error) { return f.fallback.Synthesize(ctx, req) },
	)
}

// FallbackActive reports whether the next call goes to the fallback first.
func (f *FailoverSynthesizer) FallbackActive() bool { return f.state.fallbackActive.Load() }

// FailoverGenerator is the language-generation counterpart of FailoverSynthesizer.
type FailoverGenerator struct {
	state    failoverState
	primary  Generator
	fallback Generator
}

func NewFailoverGenerator(primary, fallback Generator) *FailoverGenerator {
	return &FailoverGenerator{primary: primary, fallback: fallback}
}

func (f *FailoverGenerator) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	return failoverDo(ctx, &f.state, NameGenerate,
		func(ctx context.Context) (Generation, error) { return f.primary.Generate(ctx, req) },
		func(ctx context.Context) (Generation, error) { return f.fallback.Generate(ctx, req) },
	)
}

func (f *FailoverGenerator) FallbackActive() bool { return f.state.fallbackActive.Load() }
