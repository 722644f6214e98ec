package session

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EventType names a conversation-quality event
type EventType string

const (
	EventInterruption      EventType = "interruption_occurred"
	EventCustomerImpatient EventType = "customer_impatient"
	EventSilenceGap        EventType = "silence_gap_detected"
	EventTurnCompleted     EventType = "turn_completed"
	EventCallEnded         EventType = "call_ended"
)

// QualityEvent is published for downstream analytics
type QualityEvent struct {
	Type          EventType `json:"type"`
	CallID        string    `json:"call_id"`
	At            time.Time `json:"at"`
	Interruptions int       `json:"interruption_count"`
	SilenceGaps   int       `json:"silence_gap_count"`
	LatencyMs     int64     `json:"latency_ms,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Observer receives quality events. Observe is called from the coordinator
// goroutine and must not block.
type Observer interface {
	Observe(ev QualityEvent)
}

// LogObserver writes every event to the structured log
type LogObserver struct{}

func (LogObserver) Observe(ev QualityEvent) {
	log.Info().
		Str("call_id", ev.CallID).
		Str("event", string(ev.Type)).
		Int("interruption_count", ev.Interruptions).
		Int("silence_gap_count", ev.SilenceGaps).
		Int64("latency_ms", ev.LatencyMs).
		Str("reason", ev.Reason).
		Msg("Conversation quality event")
}

// MultiObserver fans out to several observers
type MultiObserver []Observer

func (m MultiObserver) Observe(ev QualityEvent) {
	for _, o := range m {
		o.Observe(ev)
	}
}

// RedisObserver publishes events as JSON on a Redis channel. Events are
// buffered; when the buffer is full new events are dropped and counted.
type RedisObserver struct {
	client  redis.UniversalClient
	channel string
	events  chan QualityEvent
	dropped atomic.Int64
}

// NewRedisObserver creates a publisher; call Run to start delivering
func NewRedisObserver(client redis.UniversalClient, channel string, buffer int) *RedisObserver {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisObserver{
		client:  client,
		channel: channel,
		events:  make(chan QualityEvent, buffer),
	}
}

func (o *RedisObserver) Observe(ev QualityEvent) {
	select {
	case o.events <- ev:
	default:
		if o.dropped.Add(1)%100 == 1 {
			log.Warn().Int64("dropped", o.dropped.Load()).Msg("Quality event buffer full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded
func (o *RedisObserver) Dropped() int64 {
	return o.dropped.Load()
}

// Run publishes buffered events until ctx ends
func (o *RedisObserver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.events:
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("Failed to encode quality event")
				continue
			}
			if err := o.client.Publish(ctx, o.channel, payload).Err(); err != nil {
				log.Warn().Err(err).Str("channel", o.channel).Msg("Failed to publish quality event")
			}
		}
	}
}

// Ping checks the Redis connection for readiness checks
func (o *RedisObserver) Ping(ctx context.Context) error {
	return o.client.Ping(ctx).Err()
}
