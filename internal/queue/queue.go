package queue

import (
	"context"
)

// Publisher publishes campaign execution messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg ExecutionMessage) error
	Close() error
}

// Disposition is how a consumer settles a delivery once its handler returns.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Requeue puts the message back for another delivery.
	Requeue
	// DeadLetter moves the message to the dead-letter queue.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// MessageHandler handles a consumed queue message and says how to settle it.
type MessageHandler func(ctx context.Context, msg ExecutionMessage) Disposition

// Consumer consumes campaign execution messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// ExecuteQueue is the work queue every worker consumes.
	ExecuteQueue = "campaign.execute"
	// ExecuteDLQ receives malformed or rejected execution messages.
	ExecuteDLQ = "dlq." + ExecuteQueue

	executeRoutingKey = ExecuteQueue
)

// WorkQueueNames returns all work queues.
func WorkQueueNames() []string {
	return []string{ExecuteQueue}
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	return []string{ExecuteDLQ}
}
