package broker

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zanewnch/aiot-scheduler/internal/messages"
)

func TestHeaderInt(t *testing.T) {
	tests := []struct {
		name string
		h    amqp.Table
		want int
	}{
		{"missing", amqp.Table{}, 0},
		{"int32", amqp.Table{"retryCount": int32(2)}, 2},
		{"int64", amqp.Table{"retryCount": int64(3)}, 3},
		{"int", amqp.Table{"retryCount": 4}, 4},
		{"float64", amqp.Table{"retryCount": float64(5)}, 5},
		{"wrong type", amqp.Table{"retryCount": "six"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := headerInt(tt.h, "retryCount"); got != tt.want {
				t.Fatalf("headerInt = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWorkQueues_CoverTopology(t *testing.T) {
	specs := workQueues()

	byName := map[string]queueSpec{}
	for _, q := range specs {
		byName[q.name] = q
	}

	for _, want := range []string{
		messages.QueueArchivePositions,
		messages.QueueArchiveCommands,
		messages.QueueArchiveStatus,
		messages.QueueCleanupExpired,
		messages.QueueResultSuccess,
		messages.QueueResultFailed,
		messages.QueueResultPartial,
	} {
		q, ok := byName[want]
		if !ok {
			t.Fatalf("queue %s missing from topology", want)
		}
		// routing key mirrors the queue name throughout
		if q.routingKey != want {
			t.Fatalf("queue %s bound with key %s", want, q.routingKey)
		}
	}

	if byName[messages.QueueCleanupExpired].messageTTL == 0 {
		t.Fatalf("cleanup queue should declare a message TTL")
	}
}

func TestPublish_FailsFastWhenDisconnected(t *testing.T) {
	a := New(Config{URL: "amqp://localhost"}, nil)

	ok, err := a.Publish(t.Context(), ExchangeMain, messages.QueueArchivePositions, []byte("{}"), PublishOptions{})
	if err == nil || ok {
		t.Fatalf("disconnected publish must fail fast, got ok=%v err=%v", ok, err)
	}
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestConsume_FailsWhenDisconnected(t *testing.T) {
	a := New(Config{URL: "amqp://localhost"}, nil)

	err := a.Consume(t.Context(), messages.QueueResultSuccess, nil, ConsumeOptions{})
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestQueueDepth_FailsWhenDisconnected(t *testing.T) {
	a := New(Config{URL: "amqp://localhost"}, nil)

	if _, err := a.QueueDepth(t.Context(), messages.QueueArchivePositions); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
