package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrorQueueSuffix names the queue receiving envelopes a handler gave up on
const ErrorQueueSuffix = ".errors"

// ErrorQueue returns the error queue paired with queue
func ErrorQueue(queue string) string {
	return queue + ErrorQueueSuffix
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// Topology declares work queues and their error queues
type Topology struct {
	source ChannelSource
}

// NewTopology creates a topology manager
func NewTopology(source ChannelSource) *Topology {
	return &Topology{source: source}
}

// DeclareWorkQueue declares queue and its error queue. Error queues are always
// durable.
func (t *Topology) DeclareWorkQueue(name string, durable bool) error {
	return t.Declare(
		QueueDeclaration{Name: name, Durable: durable},
		QueueDeclaration{Name: ErrorQueue(name), Durable: true},
	)
}

// Declare declares every queue on one channel
func (t *Topology) Declare(queues ...QueueDeclaration) error {
	ch, err := t.source.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, false, false, q.Arguments); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}
	return nil
}
