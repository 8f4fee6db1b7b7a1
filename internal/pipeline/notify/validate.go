// Copyright 2025 James Ross

// Package notify implements a small reference pipeline: validate a
// notification request, route it to per-channel delivery organs, and
// audit terminal deliveries. It exists to exercise the spine end-to-end,
// not as a production notification system.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
)

var validChannels = map[string]bool{"email": true, "sms": true, "push": true}

var validPriorities = map[string]bool{"low": true, "normal": true, "high": true, "critical": true}

// ValidateOrgan checks a NOTIFICATION_REQUESTED payload for a non-empty
// user_id, at least one channel with every channel one of email, sms or
// push, a non-empty message, and a known
// priority (defaulting to "normal"). Invalid requests terminate the chain
// with a NOTIFICATION_FAILED event rather than an error, so a malformed
// request never reaches the DLQ.
type ValidateOrgan struct{}

func (ValidateOrgan) Name() string { return "validate" }

func (ValidateOrgan) ListensTo() []string { return []string{"NOTIFICATION_REQUESTED"} }

func (ValidateOrgan) Handle(ctx context.Context, evt *event.Event) (organ.Result, error) {
	payload := evt.Payload()
	var errs []string

	userID := strings.TrimSpace(stringField(payload, "user_id"))
	if userID == "" {
		errs = append(errs, "user_id is required")
	}

	channels := stringSlice(payload["channels"])
	if len(channels) == 0 {
		errs = append(errs, "at least one channel is required")
	} else if invalid := invalidChannels(channels); len(invalid) > 0 {
		errs = append(errs, fmt.Sprintf("invalid channels: %s", strings.Join(invalid, ", ")))
	}

	message := strings.TrimSpace(stringField(payload, "message"))
	if message == "" {
		errs = append(errs, "message is required")
	}

	priority := stringField(payload, "priority")
	if priority == "" {
		priority = "normal"
	}
	if !validPriorities[priority] {
		errs = append(errs, fmt.Sprintf("invalid priority: %s", priority))
	}

	if len(errs) > 0 {
		if userID == "" {
			userID = "unknown"
		}
		out, err := event.New("NOTIFICATION_FAILED", map[string]any{
			"user_id":           userID,
			"reason":            strings.Join(errs, "; "),
			"original_event_id": evt.ID(),
			"failed_at":         time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return organ.Result{}, err
		}
		return organ.One(out), nil
	}

	out, err := event.New("NOTIFICATION_VALIDATED", map[string]any{
		"user_id":      userID,
		"channels":     channels,
		"message":      message,
		"priority":     priority,
		"validated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return organ.Result{}, err
	}
	return organ.One(out), nil
}

func invalidChannels(channels []string) []string {
	var bad []string
	for _, c := range channels {
		if !validChannels[c] {
			bad = append(bad, c)
		}
	}
	sort.Strings(bad)
	return bad
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
