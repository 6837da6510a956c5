package mq

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
	headerMaxRetries = "x-message-max-retries"

	// set on dead-lettered copies
	headerSourceTopic = "x-dead-letter-topic"
	headerLastError   = "x-dead-letter-error"

	fetchBackoff    = 100 * time.Millisecond
	maxFetchBackoff = 5 * time.Second
)

// KafkaConfig defines configuration for the Kafka queue.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientID"`

	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`

	MinBytes int           `yaml:"minBytes"`
	MaxBytes int           `yaml:"maxBytes"`
	MaxWait  time.Duration `yaml:"maxWait"`

	DialTimeout time.Duration `yaml:"dialTimeout"`
}

func (c *KafkaConfig) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 1
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxWait == 0 {
		c.MaxWait = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// KafkaQueue implements MessageQueue with consumer-group readers and one shared writer.
type KafkaQueue struct {
	config KafkaConfig
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu            sync.Mutex
	subscriptions []*kafkaSubscription
	started       bool
	closed        bool
}

type kafkaSubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaQueue creates a Kafka-backed queue.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, appErr.InvalidParam("kafka brokers are required")
	}
	cfg.applyDefaults()

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}
	return &KafkaQueue{config: cfg, writer: writer, dialer: dialer}, nil
}

// Publish writes message to topic. The message ID is the partition key.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return appErr.InvalidParam("message is nil")
	}
	if topic == "" {
		return appErr.InvalidParam("topic is required")
	}
	if err := k.writer.WriteMessages(ctx, toKafkaMessage(topic, message)); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "write to %s failed", topic).WithDetail("topic", topic)
	}
	return nil
}

// Subscribe registers handler for topic.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return appErr.InvalidParam("topic is required")
	}
	if handler == nil {
		return appErr.InvalidParam("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("autograde-%s", topic)
	}

	sub := &kafkaSubscription{topic: topic, handler: handler, opts: options, baseCtx: ctx}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return appErr.Newf(appErr.QueueError, "message queue is closed")
	}
	k.subscriptions = append(k.subscriptions, sub)
	if k.started {
		k.startSubscription(sub)
	}
	return nil
}

// Start begins consuming every registered subscription.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return appErr.Newf(appErr.QueueError, "message queue is closed")
	}
	if k.started {
		return nil
	}
	for _, sub := range k.subscriptions {
		k.startSubscription(sub)
	}
	k.started = true
	return nil
}

// Stop cancels all consumers and waits for in-flight handlers.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, sub := range k.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range k.subscriptions {
		sub.wg.Wait()
		if sub.reader != nil {
			_ = sub.reader.Close()
			sub.reader = nil
		}
	}
	k.started = false
	return nil
}

// Ping succeeds once any broker answers a metadata request.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range k.config.Brokers {
		conn, err := k.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return appErr.Wrapf(lastErr, appErr.QueueError, "no kafka broker reachable")
}

// Close stops consumers and closes the writer.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}

func (k *KafkaQueue) startSubscription(sub *kafkaSubscription) {
	sub.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       sub.topic,
		GroupID:     sub.opts.ConsumerGroup,
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: kafka.FirstOffset,
		Dialer:      k.dialer,
	})
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	// Unbuffered so that no more than Concurrency messages are fetched ahead of commit.
	msgCh := make(chan kafka.Message)
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer close(msgCh)
		backoff := fetchBackoff
		for {
			msg, err := sub.reader.FetchMessage(sub.ctx)
			if err != nil {
				if sub.ctx.Err() != nil {
					return
				}
				logger.Warn(sub.ctx, "kafka fetch failed",
					zap.String("topic", sub.topic),
					zap.Duration("backoff", backoff),
					zap.Error(err))
				select {
				case <-time.After(backoff):
				case <-sub.ctx.Done():
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = fetchBackoff
			select {
			case msgCh <- msg:
			case <-sub.ctx.Done():
				return
			}
		}
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for msg := range msgCh {
				k.handleMessage(sub, msg)
			}
		}()
	}
}

func (k *KafkaQueue) handleMessage(sub *kafkaSubscription, msg kafka.Message) {
	m := fromKafkaMessage(msg)
	if m.MaxRetries == 0 {
		m.MaxRetries = sub.opts.MaxRetries
	}
	for {
		err := sub.handler(sub.ctx, m)
		if err == nil {
			break
		}
		if sub.ctx.Err() != nil {
			// Not committed; the group redelivers after rebalance.
			return
		}
		m.RetryCount++
		logger.Warn(sub.ctx, "message handler failed",
			zap.String("topic", sub.topic),
			zap.String("message_id", m.ID),
			zap.Int("retry_count", m.RetryCount),
			zap.Error(err))
		if m.RetryCount > m.MaxRetries {
			if sub.opts.DeadLetterTopic != "" {
				if pubErr := k.Publish(sub.ctx, sub.opts.DeadLetterTopic, deadLetter(sub.topic, m, err)); pubErr != nil {
					logger.Error(sub.ctx, "publish to dead letter failed", zap.String("message_id", m.ID), zap.Error(pubErr))
				}
			}
			break
		}
		select {
		case <-time.After(sub.opts.RetryDelay):
		case <-sub.ctx.Done():
			return
		}
	}
	if err := sub.reader.CommitMessages(sub.ctx, msg); err != nil && sub.ctx.Err() == nil {
		logger.Warn(sub.ctx, "kafka commit failed", zap.String("topic", sub.topic), zap.Error(err))
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxFetchBackoff {
		return maxFetchBackoff
	}
	return d
}

// deadLetter copies m with the source topic and the last handler error attached.
func deadLetter(topic string, m *Message, cause error) *Message {
	out := *m
	out.Headers = make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	out.Headers[headerSourceTopic] = topic
	if cause != nil {
		out.Headers[headerLastError] = cause.Error()
	}
	return &out
}

func toKafkaMessage(topic string, message *Message) kafka.Message {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	headers := make([]kafka.Header, 0, len(message.Headers)+4)
	for k, v := range message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if message.ID != "" {
		headers = append(headers, kafka.Header{Key: headerID, Value: []byte(message.ID)})
	}
	headers = append(headers, kafka.Header{Key: headerTimestamp, Value: []byte(message.Timestamp.Format(time.RFC3339Nano))})
	if message.RetryCount != 0 {
		headers = append(headers, kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(message.RetryCount))})
	}
	if message.MaxRetries != 0 {
		headers = append(headers, kafka.Header{Key: headerMaxRetries, Value: []byte(strconv.Itoa(message.MaxRetries))})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
		Time:    message.Timestamp,
	}
}

func fromKafkaMessage(msg kafka.Message) *Message {
	m := &Message{
		Body:      msg.Value,
		Headers:   make(map[string]string),
		Timestamp: msg.Time,
	}
	for _, h := range msg.Headers {
		switch h.Key {
		case headerID:
			m.ID = string(h.Value)
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				m.Timestamp = ts
			}
		case headerRetryCount:
			if v, err := strconv.Atoi(string(h.Value)); err == nil && v >= 0 {
				m.RetryCount = v
			}
		case headerMaxRetries:
			if v, err := strconv.Atoi(string(h.Value)); err == nil && v >= 0 {
				m.MaxRetries = v
			}
		default:
			m.Headers[h.Key] = string(h.Value)
		}
	}
	if m.ID == "" {
		m.ID = string(msg.Key)
	}
	return m
}
