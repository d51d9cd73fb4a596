package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zanewnch/aiot-scheduler/internal/messages"
)

const (
	ExchangeMain    = messages.ExchangeMain
	ExchangeDelayed = messages.ExchangeDelayed
	ExchangeDLX     = messages.ExchangeDLX

	queueDeadLetter = "archive.dead"

	maxPriority = 10
)

// queueSpec pins down the declared arguments per queue. Declarations are
// idempotent: re-declaring with identical arguments is a no-op on the broker.
type queueSpec struct {
	name       string
	routingKey string
	messageTTL int64 // ms, 0 = none
}

func workQueues() []queueSpec {
	return []queueSpec{
		{name: messages.QueueArchivePositions, routingKey: messages.QueueArchivePositions},
		{name: messages.QueueArchiveCommands, routingKey: messages.QueueArchiveCommands},
		{name: messages.QueueArchiveStatus, routingKey: messages.QueueArchiveStatus},
		{name: messages.QueueCleanupExpired, routingKey: messages.QueueCleanupExpired, messageTTL: 24 * 60 * 60 * 1000},
		{name: messages.QueueResultSuccess, routingKey: messages.QueueResultSuccess},
		{name: messages.QueueResultFailed, routingKey: messages.QueueResultFailed},
		{name: messages.QueueResultPartial, routingKey: messages.QueueResultPartial},
	}
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeMain, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeMain, err)
	}

	// delayed delivery via the delayed-message plugin; the inner type keeps
	// routing identical to MAIN
	delayedArgs := amqp.Table{"x-delayed-type": "direct"}
	if err := ch.ExchangeDeclare(ExchangeDelayed, "x-delayed-message", true, false, false, false, delayedArgs); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeDelayed, err)
	}

	if err := ch.ExchangeDeclare(ExchangeDLX, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", ExchangeDLX, err)
	}

	if _, err := ch.QueueDeclare(queueDeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", queueDeadLetter, err)
	}
	if err := ch.QueueBind(queueDeadLetter, "", ExchangeDLX, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", queueDeadLetter, err)
	}

	for _, q := range workQueues() {
		args := amqp.Table{
			"x-max-priority":         int32(maxPriority),
			"x-dead-letter-exchange": ExchangeDLX,
		}
		if q.messageTTL > 0 {
			args["x-message-ttl"] = q.messageTTL
		}

		if _, err := ch.QueueDeclare(q.name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}

		if err := ch.QueueBind(q.name, q.routingKey, ExchangeMain, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", q.name, ExchangeMain, err)
		}
		if err := ch.QueueBind(q.name, q.routingKey, ExchangeDelayed, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", q.name, ExchangeDelayed, err)
		}
	}

	return nil
}
