// Copyright 2025 James Ross
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// contact holds the delivery addresses for a user. A real system would
// look this up from a user-profile store; this pipeline hardcodes a tiny
// directory so the reference pipeline has no external dependency.
type contact struct {
	email       string
	phone       string
	deviceToken string
}

var userContacts = map[string]contact{
	"user_001": {email: "alice@example.com", phone: "+1555123001", deviceToken: "fcm_token_alice_xyz"},
	"user_002": {email: "bob@example.com", phone: "+1555123002", deviceToken: "fcm_token_bob_abc"},
	// +1555000000 is wired to always fail in SmsSenderOrgan.
	"user_003": {email: "charlie@example.com", phone: "+1555000000", deviceToken: "fcm_token_charlie_def"},
}

// RouterOrgan fans a NOTIFICATION_VALIDATED event out into one
// channel-specific send-request event per requested channel the user has
// a contact address for.
type RouterOrgan struct{}

func (RouterOrgan) Name() string { return "router" }

func (RouterOrgan) ListensTo() []string { return []string{"NOTIFICATION_VALIDATED"} }

func (RouterOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()

	userID := stringField(payload, "user_id")
	channels := stringSlice(payload["channels"])
	message := stringField(payload, "message")
	priority := payload["priority"]
	priorityLabel := strings.ToUpper(fmt.Sprint(priority))
	if priority == nil {
		priorityLabel = "UNKNOWN"
	}

	c := userContacts[userID]
	var out []*event.Event

	for _, ch := range channels {
		switch {
		case ch == "email" && c.email != "":
			e, err := event.New("EMAIL_SEND_REQUESTED", map[string]any{
				"user_id":  userID,
				"email":    c.email,
				"subject":  fmt.Sprintf("[%s] Notification", priorityLabel),
				"body":     message,
				"priority": priority,
			})
			if err != nil {
				return organ.Result{}, err
			}
			out = append(out, e)

		case ch == "sms" && c.phone != "":
			e, err := event.New("SMS_SEND_REQUESTED", map[string]any{
				"user_id":  userID,
				"phone":    c.phone,
				"message":  truncate(message, 160),
				"priority": priority,
			})
			if err != nil {
				return organ.Result{}, err
			}
			out = append(out, e)

		case ch == "push" && c.deviceToken != "":
			e, err := event.New("PUSH_SEND_REQUESTED", map[string]any{
				"user_id":      userID,
				"device_token": c.deviceToken,
				"title":        "New Notification",
				"body":         truncate(message, 256),
				"priority":     priority,
			})
			if err != nil {
				return organ.Result{}, err
			}
			out = append(out, e)
		}
	}

	return organ.All(out...), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
