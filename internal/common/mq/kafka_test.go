package mq

import (
	"context"
	"testing"
	"time"

	appErr "autograde/pkg/errors"

	"github.com/segmentio/kafka-go"
)

func TestKafkaMessageHeaders(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	in := &Message{
		ID:         "sub-1",
		Body:       []byte(`{"submission_id":"sub-1"}`),
		Headers:    map[string]string{"trace": "abc"},
		Timestamp:  ts,
		RetryCount: 2,
		MaxRetries: 5,
	}
	km := toKafkaMessage("grading.tasks", in)
	if km.Topic != "grading.tasks" || string(km.Key) != "sub-1" {
		t.Fatalf("unexpected topic/key %s/%s", km.Topic, km.Key)
	}

	out := fromKafkaMessage(km)
	if out.ID != in.ID || string(out.Body) != string(in.Body) {
		t.Fatalf("identity lost: %+v", out)
	}
	if !out.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", out.Timestamp, ts)
	}
	if out.RetryCount != 2 || out.MaxRetries != 5 {
		t.Fatalf("retry headers lost: %+v", out)
	}
	if v, ok := out.GetHeader("trace"); !ok || v != "abc" {
		t.Fatalf("custom header lost: %v", out.Headers)
	}
	if _, ok := out.GetHeader(headerID); ok {
		t.Fatalf("reserved headers must not leak into Headers")
	}
}

func TestFromKafkaMessageFallsBackToKey(t *testing.T) {
	m := fromKafkaMessage(kafka.Message{Key: []byte("k1"), Headers: []kafka.Header{{Key: headerRetryCount, Value: []byte("bad")}}})
	if m.ID != "k1" {
		t.Fatalf("expected key as id, got %q", m.ID)
	}
	if m.RetryCount != 0 {
		t.Fatalf("malformed retry header should be ignored")
	}
}

func TestSubscribeOptionsDefaults(t *testing.T) {
	var o SubscribeOptions
	o.SetDefaults()
	if o.Concurrency != 1 || o.MaxRetries != 3 || o.RetryDelay != time.Second {
		t.Fatalf("unexpected defaults %+v", o)
	}
	o = SubscribeOptions{MaxRetries: -1}
	o.SetDefaults()
	if o.MaxRetries != -1 {
		t.Fatalf("explicit negative retries must be kept")
	}
}

func TestNewKafkaQueueRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaQueue(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	q, err := NewKafkaQueue(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if q.config.MaxWait != time.Second || q.config.DialTimeout != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", q.config)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDeadLetterCopy(t *testing.T) {
	in := &Message{ID: "sub-2", Headers: map[string]string{"trace": "t"}, RetryCount: 4, MaxRetries: 3}
	out := deadLetter("grading.task", in, appErr.New(appErr.ProvisioningFailure))

	if out == in {
		t.Fatalf("dead letter must be a copy")
	}
	if out.Headers[headerSourceTopic] != "grading.task" || out.Headers[headerLastError] == "" {
		t.Fatalf("dead letter headers missing: %v", out.Headers)
	}
	if _, ok := in.Headers[headerSourceTopic]; ok {
		t.Fatalf("original message mutated: %v", in.Headers)
	}
	km := toKafkaMessage("grading.dlq", out)
	if back := fromKafkaMessage(km); back.Headers[headerSourceTopic] != "grading.task" || back.RetryCount != 4 {
		t.Fatalf("dead letter headers lost on the wire: %+v", back)
	}
}

func TestNextBackoff(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{fetchBackoff, 2 * fetchBackoff},
		{3 * time.Second, maxFetchBackoff},
		{maxFetchBackoff, maxFetchBackoff},
	}
	for _, tc := range cases {
		if got := nextBackoff(tc.in); got != tc.want {
			t.Errorf("nextBackoff(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPublishValidation(t *testing.T) {
	q, err := NewKafkaQueue(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()

	if err := q.Publish(context.Background(), "", NewMessage(nil)); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("empty topic: %v", err)
	}
	if err := q.Publish(context.Background(), "t", nil); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("nil message: %v", err)
	}
	if err := q.Subscribe(context.Background(), "t", nil, nil); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("nil handler: %v", err)
	}
}
