package orchestrator

import (
	"context"
	"time"

	"github.com/ent0n29/avatarcore/internal/avatars"
	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/fanout"
)

const warmupText = "Hello"

// warmup primes the generation and synthesis backends with one call each.
// The synthesized greeting lands in the speech tier for the default voice.
// Failures are logged only.
func (e *Engine) warmup(ctx context.Context) {
	start := time.Now()
	avatar := avatars.Default("warmup")
	outcomes := fanout.Run(ctx, e.cfg.CallTimeout,
		fanout.Branch{Name: capability.NameGenerate, Call: func(ctx context.Context) (any, error) {
			return invoke(ctx, e, capability.NameGenerate, 0, func(ctx context.Context) (capability.Generation, error) {
				return e.caps.Generator.Generate(ctx, e.generateRequest(avatar, warmupText))
			})
		}},
		fanout.Branch{Name: capability.NameSynthesize, Call: func(ctx context.Context) (any, error) {
			return e.synthesize(ctx, capability.SpeechRequest{
				Text:     warmupText,
				VoiceID:  avatar.VoiceID,
				Language: avatar.Language,
			}, 0)
		}},
	)
	failed := 0
	for _, o := range outcomes {
		if !o.OK() {
			failed++
			e.logger.Warn("warmup call failed", "capability", o.Name, "error", o.Err)
		}
	}
	e.logger.Info("warmup finished",
		"failed", failed,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}
