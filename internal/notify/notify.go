// Package notify publishes lifecycle notifications for external
// subscribers. The transport is pluggable; the in-process publisher is
// used by default and by tests.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Topics published by the engine.
const (
	TopicEventStateChanged = "event.state.changed"
	TopicBuildStateChanged = "build.state.changed"
)

// Message is one outbound notification.
type Message struct {
	ID        string
	Topic     string
	Timestamp time.Time
	Payload   any
}

// Publisher sends lifecycle notifications. Implementations must be safe
// for concurrent use.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Subscriber receives every message published to an in-process publisher.
type Subscriber func(Message)

// InProcPublisher fans messages out to registered subscribers
// synchronously, in subscription order.
type InProcPublisher struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewInProcPublisher() *InProcPublisher {
	return &InProcPublisher{}
}

// Subscribe registers a subscriber for all topics.
func (p *InProcPublisher) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, s)
}

func (p *InProcPublisher) Publish(topic string, payload any) error {
	msg := Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	p.mu.RLock()
	subs := make([]Subscriber, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()

	for _, s := range subs {
		s(msg)
	}
	log.Debug().
		Str("topic", topic).
		Str("message_id", msg.ID).
		Int("subscribers", len(subs)).
		Msg("Notification published")
	return nil
}

// Discard drops every message. Useful when no bus is configured.
type Discard struct{}

func (Discard) Publish(string, any) error { return nil }
