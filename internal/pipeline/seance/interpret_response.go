// Copyright 2025 James Ross
package seance

import (
	"context"
	"fmt"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// InterpretResponseOrgan handles ANSWER_GENERATED and emits OMEN_REVEALED.
//
// TODO: replace the canned omen with real interpretation logic over the
// answer's content; this is a placeholder that just truncates it.
type InterpretResponseOrgan struct{}

func (InterpretResponseOrgan) Name() string { return "interpret_response" }

func (InterpretResponseOrgan) ListensTo() []string { return []string{"ANSWER_GENERATED"} }

func (InterpretResponseOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	p := evt.Payload()
	spiritName := stringOr(p["spirit_name"], "Unknown Spirit")
	answer := stringOr(p["answer"], "")

	omen := fmt.Sprintf("The words of %s foretell: A great change approaches.", spiritName)

	interpretation := "The spirits suggest patience and vigilance."
	if answer != "" {
		interpretation = fmt.Sprintf(
			"The spirits suggest patience and vigilance. (Based on: %s)",
			truncate(answer, 50),
		)
	}

	out, err := event.New("OMEN_REVEALED", map[string]any{
		"spirit_name":     spiritName,
		"original_answer": answer,
		"omen":            omen,
		"interpretation":  interpretation,
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
