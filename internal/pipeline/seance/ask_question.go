// Copyright 2025 James Ross
package seance

import (
	"context"
	"fmt"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// AskQuestionOrgan handles SPIRIT_APPEARED and emits ANSWER_GENERATED.
//
// TODO: replace the canned answer with an actual question-answering
// function; this is a placeholder that echoes the question back.
type AskQuestionOrgan struct{}

func (AskQuestionOrgan) Name() string { return "ask_question" }

func (AskQuestionOrgan) ListensTo() []string { return []string{"SPIRIT_APPEARED"} }

func (AskQuestionOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	p := evt.Payload()
	spiritName := stringOr(p["spirit_name"], "Unknown Spirit")
	question := stringOr(p["question"], "What wisdom do you bring?")

	answer := fmt.Sprintf(
		"The %s speaks in response to '%s': 'The path you seek lies within shadows and light.'",
		spiritName, question,
	)

	out, err := event.New("ANSWER_GENERATED", map[string]any{
		"spirit_name": spiritName,
		"question":    question,
		"answer":      answer,
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}
