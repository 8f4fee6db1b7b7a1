// Copyright 2025 James Ross

// Package streams implements a durable Backend on top of a Redis-Streams
// style append-only log with consumer groups, pending-message reclaim,
// and per-message dead-letter routing.
package streams

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/spine/internal/backend"
	"github.com/flyingrobots/spine/internal/breaker"
	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/obs"
	"github.com/flyingrobots/spine/internal/redisclient"
)

const busyGroupErr = "BUSYGROUP"

// Config configures the streams backend.
type Config struct {
	// URL is a redis:// connection string. Password, if present in the
	// URL, is masked before it ever reaches a log line.
	URL string

	StreamKey     string
	ConsumerGroup string
	ConsumerName  string

	// MaxRetries is the delivery-attempt ceiling before a pending message
	// is routed to the dead-letter stream.
	MaxRetries int
	// ClaimMinIdle is how long a message must sit unacked in the consumer
	// group's pending set (any consumer's, this one's included) before
	// this consumer may reclaim it.
	ClaimMinIdle time.Duration
	// ClaimCount bounds how many pending entries are inspected per Pull.
	ClaimCount int64

	// DLQStream overrides the default "<StreamKey>:dlq" dead-letter
	// stream key.
	DLQStream string

	PoolSize int

	// BreakerWindow/BreakerCooldown/BreakerFailureThreshold/BreakerMinSamples
	// configure the sliding-window breaker that gates Enqueue/Pull transport
	// calls, failing fast once this backend's own recent error rate gets
	// too high rather than letting every caller hang on a doomed dial.
	// This is independent of the dispatcher's consecutive-pull-failure
	// threshold, which counts Pull returning an error at all, breaker-gated
	// or not.
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
	BreakerFailureThreshold float64
	BreakerMinSamples       int
}

// recordBreaker reports ok to the breaker and reflects its resulting state
// onto the circuit_breaker_state gauge, incrementing circuit_breaker_trips
// the moment it transitions into Open.
func (b *Backend) recordBreaker(ok bool) {
	b.cb.Record(ok)
	state := b.cb.State()
	obs.CircuitBreakerState.Set(float64(state))

	b.mu.Lock()
	tripped := state == breaker.Open && b.lastBreakerState != breaker.Open
	b.lastBreakerState = state
	b.mu.Unlock()
	if tripped {
		obs.CircuitBreakerTrips.Inc()
	}
}

func (c Config) dlqStream() string {
	if c.DLQStream != "" {
		return c.DLQStream
	}
	return c.StreamKey + ":dlq"
}

// Backend is a durable Backend implementation over Redis Streams.
type Backend struct {
	cfg Config

	mu     sync.Mutex
	client *redis.Client

	// pending maps event id -> stream message id, so a later Ack/Nack can
	// address the right entry. All mutations of this map are guarded by
	// mu because Pull and Ack can run concurrently.
	pendingIDs map[string]string

	groupReady bool

	cb               *breaker.CircuitBreaker
	lastBreakerState breaker.State
}

// ErrCircuitOpen is returned by Enqueue/Pull when the backend's transport
// breaker has tripped and is declining calls until its cooldown elapses.
var ErrCircuitOpen = fmt.Errorf("streams: circuit breaker open")

var _ backend.NackableBackend = (*Backend)(nil)

// New constructs a streams Backend and eagerly connects.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.StreamKey == "" {
		return nil, fmt.Errorf("streams: stream key is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("streams: consumer group is required")
	}
	if cfg.ConsumerName == "" {
		return nil, fmt.Errorf("streams: consumer name is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ClaimCount <= 0 {
		cfg.ClaimCount = 50
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 10 * time.Second
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 5 * time.Second
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 0.5
	}
	if cfg.BreakerMinSamples <= 0 {
		cfg.BreakerMinSamples = 5
	}

	b := &Backend{
		cfg:        cfg,
		pendingIDs: make(map[string]string),
		cb:         breaker.New(cfg.BreakerWindow, cfg.BreakerCooldown, cfg.BreakerFailureThreshold, cfg.BreakerMinSamples),
	}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) connect(ctx context.Context) error {
	client, err := redisclient.New(b.cfg.URL, b.cfg.PoolSize)
	if err != nil {
		return fmt.Errorf("streams: invalid redis url %s: %w", maskURL(b.cfg.URL), err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("streams: connect to %s: %w", maskURL(b.cfg.URL), err)
	}

	b.mu.Lock()
	b.client = client
	b.groupReady = false
	b.mu.Unlock()

	return b.ensureGroup(ctx)
}

// reconnect drops the stale client and reconnects under lock, on the
// assumption that a transport error means the connection is no longer
// usable.
func (b *Backend) reconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.client != nil {
		_ = b.client.Close()
		b.client = nil
	}
	b.mu.Unlock()
	return b.connect(ctx)
}

func (b *Backend) ensureGroup(ctx context.Context) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	err := client.XGroupCreateMkStream(ctx, b.cfg.StreamKey, b.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupErr) {
		return fmt.Errorf("streams: create consumer group: %w", err)
	}

	b.mu.Lock()
	b.groupReady = true
	b.mu.Unlock()
	return nil
}

// Enqueue appends evt to the stream via XADD.
func (b *Backend) Enqueue(ctx context.Context, evt *event.Event) error {
	if !b.cb.Allow() {
		return ErrCircuitOpen
	}

	data, err := evt.MarshalJSON()
	if err != nil {
		return fmt.Errorf("streams: marshal event: %w", err)
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.StreamKey,
		ID:     "*",
		Values: map[string]any{"event": string(data)},
	}).Err()
	b.recordBreaker(err == nil)
	if err != nil {
		return &backend.ErrTransport{Op: "enqueue", Err: err}
	}
	return nil
}

// Pull first attempts to reclaim a stale pending message (per
// ClaimMinIdle), routing any message that has exceeded MaxRetries
// delivery attempts to the dead-letter stream instead of reclaiming it.
// If nothing is reclaimable it issues a blocking XREADGROUP.
func (b *Backend) Pull(ctx context.Context, timeout time.Duration) (*event.Event, error) {
	if !b.cb.Allow() {
		return nil, ErrCircuitOpen
	}

	if evt, err := b.reclaimPending(ctx); err != nil {
		b.recordBreaker(false)
		return nil, err
	} else if evt != nil {
		b.recordBreaker(true)
		obs.PendingRecovered.Inc()
		return evt, nil
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.ConsumerGroup,
		Consumer: b.cfg.ConsumerName,
		Streams:  []string{b.cfg.StreamKey, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			b.recordBreaker(true)
			return nil, nil
		}
		b.recordBreaker(false)
		if reErr := b.reconnect(ctx); reErr != nil {
			return nil, &backend.ErrTransport{Op: "pull", Err: fmt.Errorf("%w (reconnect also failed: %v)", err, reErr)}
		}
		return nil, &backend.ErrTransport{Op: "pull", Err: err}
	}
	b.recordBreaker(true)
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	evt, err := b.decodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("streams: decode message %s: %w", msg.ID, err)
	}

	b.mu.Lock()
	b.pendingIDs[evt.ID()] = msg.ID
	b.mu.Unlock()

	return evt, nil
}

// reclaimPending inspects this consumer group's pending entries. Entries
// idle longer than ClaimMinIdle are either claimed (and returned) or, if
// they have already been delivered MaxRetries times, routed to the DLQ
// and acked.
func (b *Backend) reclaimPending(ctx context.Context) (*event.Event, error) {
	if b.cfg.ClaimMinIdle <= 0 {
		return nil, nil
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.StreamKey,
		Group:  b.cfg.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  b.cfg.ClaimCount,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, &backend.ErrTransport{Op: "xpending", Err: err}
	}

	for _, p := range pending {
		if p.Idle < b.cfg.ClaimMinIdle {
			continue
		}

		if int(p.RetryCount) >= b.cfg.MaxRetries {
			if err := b.deadLetterByMessageID(ctx, p.ID, fmt.Sprintf("exceeded %d delivery attempts", b.cfg.MaxRetries)); err != nil {
				return nil, err
			}
			continue
		}

		claimed, err := client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   b.cfg.StreamKey,
			Group:    b.cfg.ConsumerGroup,
			Consumer: b.cfg.ConsumerName,
			MinIdle:  b.cfg.ClaimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return nil, &backend.ErrTransport{Op: "xclaim", Err: err}
		}
		if len(claimed) == 0 {
			continue
		}

		evt, err := b.decodeMessage(claimed[0])
		if err != nil {
			return nil, fmt.Errorf("streams: decode reclaimed message %s: %w", claimed[0].ID, err)
		}

		b.mu.Lock()
		b.pendingIDs[evt.ID()] = claimed[0].ID
		b.mu.Unlock()

		return evt, nil
	}

	return nil, nil
}

// deadLetterByMessageID moves a pending message the caller has not
// decoded (e.g. one discovered only via XPENDING) to the DLQ, reading it
// first via XRange so the original payload can be preserved.
func (b *Backend) deadLetterByMessageID(ctx context.Context, messageID, reason string) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	msgs, err := client.XRange(ctx, b.cfg.StreamKey, messageID, messageID).Result()
	if err != nil {
		return &backend.ErrTransport{Op: "xrange", Err: err}
	}
	if len(msgs) == 0 {
		return b.ackMessageID(ctx, messageID)
	}

	evt, err := b.decodeMessage(msgs[0])
	if err == nil {
		if err := b.writeDLQ(ctx, evt, reason); err != nil {
			return err
		}
	}
	return b.ackMessageID(ctx, messageID)
}

// Ack acknowledges evt via XACK and clears its pending-id mapping. A
// missing mapping (the event wasn't pulled through this backend, or was
// already acked) is a safe no-op, matching the optional-backend contract.
func (b *Backend) Ack(ctx context.Context, evt *event.Event) error {
	b.mu.Lock()
	messageID, ok := b.pendingIDs[evt.ID()]
	delete(b.pendingIDs, evt.ID())
	client := b.client
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return b.ackMessageIDWithClient(ctx, client, messageID)
}

func (b *Backend) ackMessageID(ctx context.Context, messageID string) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	return b.ackMessageIDWithClient(ctx, client, messageID)
}

func (b *Backend) ackMessageIDWithClient(ctx context.Context, client *redis.Client, messageID string) error {
	if err := client.XAck(ctx, b.cfg.StreamKey, b.cfg.ConsumerGroup, messageID).Err(); err != nil {
		return &backend.ErrTransport{Op: "xack", Err: err}
	}
	return nil
}

// Nack routes evt straight to the dead-letter stream with reason and
// removes it from the pending set, always clearing the mapping even if
// the DLQ write or the XACK fails partway through.
func (b *Backend) Nack(ctx context.Context, evt *event.Event, reason string) error {
	b.mu.Lock()
	messageID, ok := b.pendingIDs[evt.ID()]
	delete(b.pendingIDs, evt.ID())
	b.mu.Unlock()

	if err := b.writeDLQ(ctx, evt, reason); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return b.ackMessageID(ctx, messageID)
}

func (b *Backend) writeDLQ(ctx context.Context, evt *event.Event, reason string) error {
	data, err := evt.MarshalJSON()
	if err != nil {
		return fmt.Errorf("streams: marshal dead-lettered event: %w", err)
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.dlqStream(),
		ID:     "*",
		Values: map[string]any{
			"original_id": evt.ID(),
			"event":       string(data),
			"reason":      reason,
			"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return &backend.ErrTransport{Op: "dlq-xadd", Err: err}
	}
	return nil
}

func (b *Backend) decodeMessage(msg redis.XMessage) (*event.Event, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s missing \"event\" field", msg.ID)
	}
	return event.Parse([]byte(raw))
}

// Backlog reports the current length of the main stream via XLEN, for use
// by a periodic backlog-depth sampler.
func (b *Backend) Backlog(ctx context.Context) (int64, error) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	n, err := client.XLen(ctx, b.cfg.StreamKey).Result()
	if err != nil {
		return 0, &backend.ErrTransport{Op: "xlen", Err: err}
	}
	return n, nil
}

// Health pings the underlying client, reporting whether the backend is
// currently able to reach the broker.
func (b *Backend) Health(ctx context.Context) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return fmt.Errorf("streams: no connection")
	}
	return client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.Redacted()
}
