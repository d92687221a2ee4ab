package queue

import (
	"context"
	"errors"
	"fmt"
)

// Queue names. workflow.events is the outbound feed UI collaborators
// subscribe to; conflict.reports carries externally detected conflicts in;
// machine.dispatch delivers approved batch configurations to the gateway
// worker.
const (
	QueueWorkflowEvents  = "workflow.events"
	QueueConflictReports = "conflict.reports"
	QueueMachineDispatch = "machine.dispatch"
)

// ErrUnprocessable marks a message that can never succeed (malformed
// payload, unknown batch). The consumer rejects it to the dead-letter queue
// instead of requeueing.
var ErrUnprocessable = errors.New("message cannot be processed")

// Message is a broker payload.
type Message interface {
	Validate() error
	MessageID() string
	Correlation() string
}

// Prioritized is implemented by messages that should jump their queue.
type Prioritized interface {
	Priority() uint8
}

// Publisher publishes messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
	Close() error
}

// MessageHandler handles one consumed message body. Returning
// ErrUnprocessable dead-letters the message; any other error requeues it.
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer consumes messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// queueMaxPriority is the RabbitMQ x-max-priority value for the
	// dispatch queue; forced approvals outrank routine ones.
	queueMaxPriority int32 = 3
)

// dlqQueues lists the work queues that dead-letter into the dlx exchange.
var dlqQueues = []string{
	QueueMachineDispatch,
	QueueConflictReports,
}

// DLQName returns the dead-letter queue name, e.g. dlq.machine.dispatch.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// DLQNames returns all dead-letter queues.
func DLQNames() []string {
	queues := make([]string, 0, len(dlqQueues))
	for _, queue := range dlqQueues {
		queues = append(queues, DLQName(queue))
	}
	return queues
}
