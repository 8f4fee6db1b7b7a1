// Copyright 2025 James Ross
package notify

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// EmailSenderOrgan simulates an SMTP send with a transient failure rate
// that decays with each delivery attempt of the same event, so an event
// the backend redelivers (e.g. under HandlerNack) eventually succeeds.
// Attempt counts are tracked per event ID and cleared on terminal outcome
// (success or retry exhaustion) to bound memory.
type EmailSenderOrgan struct {
	maxAttempts int

	mu       sync.Mutex
	attempts map[string]int
}

// NewEmailSenderOrgan returns an EmailSenderOrgan that gives up tracking
// retries for an event after maxAttempts; maxAttempts <= 0 defaults to 3.
func NewEmailSenderOrgan(maxAttempts int) *EmailSenderOrgan {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &EmailSenderOrgan{maxAttempts: maxAttempts, attempts: make(map[string]int)}
}

func (EmailSenderOrgan) Name() string { return "email_sender" }

func (EmailSenderOrgan) ListensTo() []string { return []string{"EMAIL_SEND_REQUESTED"} }

func (o *EmailSenderOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	email := stringField(payload, "email")
	subject := stringField(payload, "subject")
	userID := payload["user_id"]
	if email == "" || subject == "" || userID == nil {
		return organ.Result{}, fmt.Errorf("notify: email_sender: missing required fields")
	}

	attempt := o.nextAttempt(evt.ID())

	// failureChance is 0.15 on the first attempt and 0 from the second
	// attempt on, so retries converge.
	failureChance := 0.3 - float64(attempt)*0.15
	if failureChance < 0 {
		failureChance = 0
	}
	if rand.Float64() < failureChance {
		if attempt >= o.maxAttempts {
			o.forget(evt.ID())
		}
		return organ.Result{}, fmt.Errorf("notify: email_sender: smtp connection failed for %s (attempt %d)", email, attempt)
	}

	o.forget(evt.ID())

	out, err := event.New("EMAIL_DELIVERED", map[string]any{
		"user_id":      userID,
		"email":        email,
		"subject":      subject,
		"attempts":     attempt,
		"delivered_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

func (o *EmailSenderOrgan) nextAttempt(eventID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts[eventID]++
	return o.attempts[eventID]
}

func (o *EmailSenderOrgan) forget(eventID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.attempts, eventID)
}
