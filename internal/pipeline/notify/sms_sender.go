// Copyright 2025 James Ross
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// blockedNumbers will never deliver; they exist so the pipeline can
// demonstrate a permanent failure landing an event in the DLQ.
var blockedNumbers = map[string]bool{"+1555000000": true, "+1555000001": true}

// SmsSenderOrgan simulates a gateway send. Blocked numbers fail every
// attempt, so under HandlerStore the failed event is written to the DLQ
// on its first failure.
type SmsSenderOrgan struct{}

func (SmsSenderOrgan) Name() string { return "sms_sender" }

func (SmsSenderOrgan) ListensTo() []string { return []string{"SMS_SEND_REQUESTED"} }

func (SmsSenderOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	phone := stringField(payload, "phone")
	message := stringField(payload, "message")
	userID := payload["user_id"]
	if phone == "" || message == "" || userID == nil {
		return organ.Result{}, fmt.Errorf("notify: sms_sender: missing required fields")
	}

	if blockedNumbers[phone] {
		return organ.Result{}, fmt.Errorf("notify: sms_sender: delivery permanently failed: recipient %s is blocked", phone)
	}

	out, err := event.New("SMS_DELIVERED", map[string]any{
		"user_id":        userID,
		"phone":          phone,
		"message_length": len(message),
		"delivered_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}
