// Package rabbitmq holds the AMQP plumbing behind the amqp:// transport.
//
// It includes:
//   - ConnectionManager: owns the broker connection and reconnects with backoff
//   - Publisher: publishes to a queue on a confirm-mode channel
//   - Consumer: pulls deliveries from a queue and hands them to a handler
//   - Topology: declares work queues together with their error queues
//
// Acknowledging deliveries is left to the caller.
package rabbitmq
