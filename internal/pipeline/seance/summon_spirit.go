// Copyright 2025 James Ross

// Package seance is an illustrative four-hop pipeline: SUMMON_RITUAL ->
// SPIRIT_APPEARED -> ANSWER_GENERATED -> OMEN_REVEALED -> SEANCE_COMPLETE.
// The first three organs are stateless and ManifestEffectOrgan keeps only
// its last rendered output, making it a minimal worked example of organ
// chaining and of the callback-based completion signal used by terminal
// organs that need to stop the spine themselves.
package seance

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// SummonSpiritOrgan handles SUMMON_RITUAL and emits SPIRIT_APPEARED.
type SummonSpiritOrgan struct{}

func (SummonSpiritOrgan) Name() string { return "summon_spirit" }

func (SummonSpiritOrgan) ListensTo() []string { return []string{"SUMMON_RITUAL"} }

func (SummonSpiritOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	p := evt.Payload()
	ritual := stringOr(p["ritual"], "unknown ritual")
	spiritName := stringOr(p["spirit_name"], "Ancient One")

	out, err := event.New("SPIRIT_APPEARED", map[string]any{
		"spirit_name": spiritName,
		"summoned_by": ritual,
		"question":    p["question"],
		"message":     fmt.Sprintf("The spirit '%s' has been summoned through %s.", spiritName, ritual),
		"summoned_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

func stringOr(v any, fallback string) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback
	}
	return s
}
