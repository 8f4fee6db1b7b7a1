// Copyright 2025 James Ross
package seance_test

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/spine/internal/backend/memory"
	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
	"github.com/flyingrobots/spine/internal/pipeline/seance"
	"github.com/flyingrobots/spine/internal/spine"
	"github.com/stretchr/testify/require"
)

func TestSeancePipeline_EndToEnd(t *testing.T) {
	be := memory.New(0)
	var captured string
	manifest := &seance.ManifestEffectOrgan{OutputFunc: func(s string) { captured = s }}

	organs := []organ.Organ{
		seance.SummonSpiritOrgan{},
		seance.AskQuestionOrgan{},
		seance.InterpretResponseOrgan{},
		manifest,
	}

	start, err := event.New("SUMMON_RITUAL", map[string]any{
		"ritual":      "Midnight Invocation",
		"spirit_name": "Ancient One",
		"question":    "What wisdom do you bring?",
	})
	require.NoError(t, err)

	sp, err := spine.New(be, organs,
		spine.WithMaxSteps(20),
		spine.WithStartEvent(start),
	)
	require.NoError(t, err)
	manifest.OnComplete = sp.Stop

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := sp.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, int64(4), stats.EventsProcessed)
	require.Contains(t, captured, "SEANCE COMPLETE")
	require.Contains(t, captured, "Spirit: Ancient One")
	require.Equal(t, captured, manifest.LastOutput())
}

func TestAskQuestion_DefaultsWhenFieldsMissing(t *testing.T) {
	evt, err := event.New("SPIRIT_APPEARED", map[string]any{})
	require.NoError(t, err)

	result, err := seance.AskQuestionOrgan{}.Handle(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, organ.Single, result.Kind())

	payload := result.Events()[0].Payload()
	require.Equal(t, "Unknown Spirit", payload["spirit_name"])
	require.Contains(t, payload["answer"], "What wisdom do you bring?")
}
