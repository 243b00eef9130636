// Package transports defines the sending-agent and listener contracts shared by
// every transport family, and the per-endpoint ListenerSettings.
//
// Addresses are plain URIs. The scheme picks the transport family ("local" for
// in-process queues, "amqp"/"amqps" for RabbitMQ) and a "durable" host, path
// segment or query flag marks the destination as durable. See package uri.
package transports
