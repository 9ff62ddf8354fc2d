// Package selftest produces wiring test patterns, fed through the same
// handoff as network frames.
package selftest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/ledbrain/internal/handoff"
)

type Kind string

const (
	None       Kind = ""
	IndexSweep Kind = "index_sweep"
	RGBTest    Kind = "rgb_channels"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case None, IndexSweep, RGBTest:
		return k, nil
	}
	return None, fmt.Errorf("unknown self test %q", s)
}

type Plan struct {
	Kind  Kind
	Count int
	// Cycles is how many times rgb_channels walks R, G, B. Defaults to 1.
	Cycles int
}

type Runner struct {
	plan Plan
	step int
}

func NewRunner(plan Plan) *Runner {
	if plan.Cycles <= 0 {
		plan.Cycles = 1
	}
	return &Runner{plan: plan}
}

func (r *Runner) Kind() Kind { return r.plan.Kind }

// Step fills rgb (len Count*3) with the next pattern; returns false when complete.
func (r *Runner) Step(rgb []byte) bool {
	n := r.plan.Count
	clear(rgb)

	switch r.plan.Kind {
	case IndexSweep:
		idx := r.step
		if idx >= n {
			return false
		}
		rgb[idx*3+0], rgb[idx*3+1], rgb[idx*3+2] = 255, 255, 255
	case RGBTest:
		if r.step >= 3*r.plan.Cycles {
			return false
		}
		phase := r.step % 3
		for i := 0; i < n; i++ {
			rgb[i*3+phase] = 255
		}
	default:
		return false
	}
	r.step++
	return true
}

// Run publishes one pattern step every hold until the plan completes or ctx ends.
func (r *Runner) Run(ctx context.Context, frames *handoff.Mailbox, hold time.Duration) error {
	log.Info().Str("component", "selftest").Str("kind", string(r.plan.Kind)).Int("count", r.plan.Count).Msg("self test starting")
	t := time.NewTicker(hold)
	defer t.Stop()
	for {
		rgb := make([]byte, r.plan.Count*3)
		if !r.Step(rgb) {
			log.Info().Str("component", "selftest").Int("steps", r.step).Msg("self test complete")
			return nil
		}
		frames.Publish(rgb)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
