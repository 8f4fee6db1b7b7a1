// Copyright 2025 James Ross
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

var channelByEventType = map[string]string{
	"EMAIL_DELIVERED": "email",
	"SMS_DELIVERED":   "sms",
	"PUSH_DELIVERED":  "push",
}

// Record is one terminal-delivery audit entry.
type Record struct {
	UserID      any
	Channel     string
	EventID     string
	DeliveredAt any
	RecordedAt  time.Time
}

// AuditOrgan listens to every delivery-completed event type and appends
// an audit record, demonstrating an organ subscribed to multiple event
// types. Its log is instance state, not shared across AuditOrgan values.
type AuditOrgan struct {
	mu  sync.Mutex
	log []Record
}

func NewAuditOrgan() *AuditOrgan { return &AuditOrgan{} }

func (*AuditOrgan) Name() string { return "audit" }

func (*AuditOrgan) ListensTo() []string {
	return []string{"EMAIL_DELIVERED", "SMS_DELIVERED", "PUSH_DELIVERED"}
}

func (o *AuditOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	userID, ok := payload["user_id"]
	if !ok {
		return organ.Result{}, fmt.Errorf("notify: audit: missing required field: user_id")
	}

	channel := channelByEventType[evt.Type()]
	if channel == "" {
		channel = "unknown"
	}

	record := Record{
		UserID:      userID,
		Channel:     channel,
		EventID:     evt.ID(),
		DeliveredAt: payload["delivered_at"],
		RecordedAt:  time.Now().UTC(),
	}

	o.mu.Lock()
	o.log = append(o.log, record)
	o.mu.Unlock()

	out, err := event.New("DELIVERY_COMPLETED", map[string]any{
		"user_id":  userID,
		"channel":  channel,
		"status":   "delivered",
		"audit_id": fmt.Sprintf("audit_%s", shortID(evt.ID())),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

// Log returns a snapshot of the recorded audit entries.
func (o *AuditOrgan) Log() []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Record, len(o.log))
	copy(out, o.log)
	return out
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
