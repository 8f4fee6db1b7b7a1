// Copyright 2025 James Ross
package seance

import (
	"context"
	"fmt"
	"sync"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// ManifestEffectOrgan handles OMEN_REVEALED, prints the final output, and
// emits a terminal SEANCE_COMPLETE event. It signals completion through an
// optional OnComplete callback rather than reaching into the spine
// directly, so a caller can wire it to Spine.Stop without this package
// importing the spine package.
type ManifestEffectOrgan struct {
	OutputFunc func(string)
	OnComplete func()

	mu         sync.Mutex
	lastOutput string
}

func (*ManifestEffectOrgan) Name() string { return "manifest_effect" }

func (*ManifestEffectOrgan) ListensTo() []string { return []string{"OMEN_REVEALED"} }

func (o *ManifestEffectOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	p := evt.Payload()
	spiritName := stringOr(p["spirit_name"], "Unknown Spirit")
	omen := stringOr(p["omen"], "No omen revealed")
	interpretation := stringOr(p["interpretation"], "")

	output := fmt.Sprintf(
		"\n%s\nSEANCE COMPLETE\n%s\nSpirit: %s\nOmen: %s\nInterpretation: %s\n%s\n",
		divider, divider, spiritName, omen, interpretation, divider,
	)

	o.mu.Lock()
	o.lastOutput = output
	o.mu.Unlock()

	if o.OutputFunc != nil {
		o.OutputFunc(output)
	}
	if o.OnComplete != nil {
		o.OnComplete()
	}

	out, err := event.New("SEANCE_COMPLETE", map[string]any{
		"spirit_name": spiritName,
		"omen":        omen,
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

// LastOutput returns the most recently rendered séance summary.
func (o *ManifestEffectOrgan) LastOutput() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastOutput
}

const divider = "=================================================="
