// Copyright 2025 James Ross
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

// PushSenderOrgan simulates an FCM/APNs send. Unlike email and SMS it
// never fails, demonstrating the plain pass-through terminal case.
type PushSenderOrgan struct{}

func (PushSenderOrgan) Name() string { return "push_sender" }

func (PushSenderOrgan) ListensTo() []string { return []string{"PUSH_SEND_REQUESTED"} }

func (PushSenderOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	deviceToken := stringField(payload, "device_token")
	title := stringField(payload, "title")
	body := stringField(payload, "body")
	userID := payload["user_id"]
	priority := payload["priority"]
	if deviceToken == "" || title == "" || body == "" || userID == nil || priority == nil {
		return organ.Result{}, fmt.Errorf("notify: push_sender: missing required fields")
	}

	payloadSize := len(deviceToken) + len(title) + len(body) + len(fmt.Sprint(userID)) + len(fmt.Sprint(priority))

	out, err := event.New("PUSH_DELIVERED", map[string]any{
		"user_id":           userID,
		"device_token":      deviceToken,
		"push_payload_size": payloadSize,
		"delivered_at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}
