package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestKafkaPublisherRequiresBrokers(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(nil, nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestKafkaPublisherTopicMapping(t *testing.T) {
	t.Parallel()

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, map[string]string{"task.dispatched": "dd.tasks"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	tests := []struct {
		event string
		want  string
	}{
		{event: "task.dispatched", want: "dd.tasks"},
		{event: "apikey.created", want: "apikey.created"},
	}
	for _, tc := range tests {
		if got := p.topicFor(tc.event); got != tc.want {
			t.Fatalf("topic for %s: expected %s, got %s", tc.event, tc.want, got)
		}
	}
}

func TestLoggingPublisherWritesStructuredLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewLoggingPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := p.Publish(context.Background(), "task.cancelled", []byte(`{"id":"x"}`), "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["event_type"] != "task.cancelled" || line["partition_key"] != "x" || line["outcome"] != "success" {
		t.Fatalf("unexpected log line: %v", line)
	}
}
