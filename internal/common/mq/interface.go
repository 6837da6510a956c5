// Package mq is the message queue adapter used for grading tasks and outcomes.
package mq

import (
	"context"
	"time"
)

// MessageQueue is the queue surface the grading worker depends on.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the broker is reachable.
	Ping(ctx context.Context) error

	// Close stops consumers and flushes the producer.
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer dispatches messages of subscribed topics to handlers.
type Consumer interface {
	// Subscribe registers handler for topic. Consumption begins at Start.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	Start() error

	// Stop cancels fetching and waits for in-flight handlers.
	Stop() error
}

// Message is one queue record.
type Message struct {
	ID        string            `json:"id"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// HandlerFunc processes one message. A non-nil error asks for redelivery.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	ConsumerGroup string

	// Concurrency is the number of handler goroutines. Default: 1
	Concurrency int

	// MaxRetries bounds redelivery of a failing message. Default: 3
	MaxRetries int

	// RetryDelay is waited between attempts. Default: 1 second
	RetryDelay time.Duration

	// DeadLetterTopic receives messages whose retries are exhausted.
	DeadLetterTopic string
}

// SetDefaults fills unset options.
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage creates a message with body.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader returns a header value.
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}
