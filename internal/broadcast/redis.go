package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/storymap-studio/internal/types"
)

const (
	defaultTopicPrefix = "site:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
)

// Event kinds carried by SiteEvent.
const (
	KindSettings    = "settings"
	KindCheckpoints = "checkpoints"
	KindMemories    = "memories"
)

// SiteEvent announces that persisted site content changed.
type SiteEvent struct {
	ID         string       `json:"id"`
	SiteID     types.SiteID `json:"site_id"`
	Kind       string       `json:"kind"`
	Origin     string       `json:"origin"`
	EnqueuedAt int64        `json:"enqueued_at"`
}

// Handler consumes events published by other instances.
type Handler func(SiteEvent)

// Publisher is the write side of the broadcaster.
type Publisher interface {
	Publish(ctx context.Context, ev SiteEvent) error
}

var latency = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "broadcast",
	Name:      "enqueue_to_receive_seconds",
	Help:      "Observed latency between publishing a site event and receiving it.",
	Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
})

func init() {
	prometheus.MustRegister(latency)
}

// RedisBroadcaster publishes site change events to Redis and dispatches the
// events of other instances to local handlers.
type RedisBroadcaster struct {
	client *redis.Client
	logger zerolog.Logger
	origin string

	topicPrefix string
	dedupeTTL   time.Duration

	handlersMu sync.RWMutex
	handlers   []Handler

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
func NewRedisBroadcaster(client *redis.Client, logger zerolog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:      client,
		logger:      logger,
		origin:      uuid.NewString(),
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
	}
}

// Origin identifies this instance in published events.
func (b *RedisBroadcaster) Origin() string { return b.origin }

// Subscribe registers a handler for events received from other instances.
func (b *RedisBroadcaster) Subscribe(h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish sends the event to the site topic, retrying with backoff until it
// succeeds or ctx ends.
func (b *RedisBroadcaster) Publish(ctx context.Context, ev SiteEvent) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}
	if ev.SiteID == "" {
		return errors.New("site id is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Origin = b.origin
	ev.EnqueuedAt = time.Now().UTC().UnixNano()

	encoded, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	topic := b.topic(ev.SiteID)
	backoff := time.Second
	for {
		if err := b.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// Start begins consuming redis pub/sub messages.
func (b *RedisBroadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, b.topicPrefix+"*")
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process([]byte(msg.Payload)); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(payload []byte) error {
	var ev SiteEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if ev.SiteID == "" || ev.ID == "" {
		return errors.New("incomplete payload")
	}
	if ev.Origin == b.origin || b.isDuplicate(ev.ID) {
		return nil
	}

	if ev.EnqueuedAt > 0 {
		latency.Observe(time.Since(time.Unix(0, ev.EnqueuedAt)).Seconds())
	}

	b.handlersMu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *RedisBroadcaster) topic(site types.SiteID) string {
	return b.topicPrefix + string(site)
}

func (b *RedisBroadcaster) isDuplicate(id string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	now := time.Now()
	if ts, ok := b.seen[id]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}

	b.seen[id] = now
	cutoff := now.Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}
