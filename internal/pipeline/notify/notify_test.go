// Copyright 2025 James Ross
package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/spine/internal/backend/memory"
	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
	"github.com/flyingrobots/spine/internal/pipeline/notify"
	"github.com/flyingrobots/spine/internal/spine"
	"github.com/stretchr/testify/require"
)

func buildSpine(t *testing.T, be *memory.Backend, audit *notify.AuditOrgan) *spine.Spine {
	t.Helper()
	organs := []organ.Organ{
		notify.ValidateOrgan{},
		notify.RouterOrgan{},
		notify.NewEmailSenderOrgan(3),
		notify.SmsSenderOrgan{},
		notify.PushSenderOrgan{},
		audit,
	}
	sp, err := spine.New(be, organs,
		spine.WithMaxSteps(200),
		spine.WithEnqueueFailureMode(spine.EnqueueStore),
		spine.WithHandlerFailureMode(spine.HandlerStore),
		spine.WithRetryAttempts(3),
		spine.WithRetryBaseDelay(time.Millisecond),
	)
	require.NoError(t, err)
	return sp
}

func TestNotifyPipeline_HappyPathAllChannels(t *testing.T) {
	be := memory.New(0)
	audit := notify.NewAuditOrgan()
	sp := buildSpine(t, be, audit)

	req, err := event.New("NOTIFICATION_REQUESTED", map[string]any{
		"user_id":  "user_001",
		"channels": []any{"email", "sms", "push"},
		"message":  "your order shipped",
		"priority": "high",
	})
	require.NoError(t, err)
	require.NoError(t, be.Enqueue(context.Background(), req))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = sp.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.GreaterOrEqual(t, len(audit.Log()), 1)
}

func TestNotifyPipeline_InvalidRequestTerminatesWithoutError(t *testing.T) {
	be := memory.New(0)
	audit := notify.NewAuditOrgan()
	sp := buildSpine(t, be, audit)

	req, err := event.New("NOTIFICATION_REQUESTED", map[string]any{
		"user_id":  "user_002",
		"channels": []any{"telegram"},
		"message":  "test",
		"priority": "normal",
	})
	require.NoError(t, err)
	require.NoError(t, be.Enqueue(context.Background(), req))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	stats, _ := sp.Run(ctx)

	require.Equal(t, int64(0), stats.HandlerErrors["router"])
	require.Empty(t, sp.FailedEvents().Len())
}

func TestNotifyPipeline_BlockedSmsNumberReachesDLQ(t *testing.T) {
	be := memory.New(0)
	audit := notify.NewAuditOrgan()
	sp := buildSpine(t, be, audit)

	req, err := event.New("NOTIFICATION_REQUESTED", map[string]any{
		"user_id":  "user_003",
		"channels": []any{"sms"},
		"message":  "security alert",
		"priority": "critical",
	})
	require.NoError(t, err)
	require.NoError(t, be.Enqueue(context.Background(), req))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = sp.Run(ctx)

	require.Equal(t, 1, sp.FailedEvents().Len())
}
