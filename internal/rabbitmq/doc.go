// Package rabbitmq wraps amqp091-go for the client.
//
// This package includes:
//   - ConnectionManager: one connection and one channel, serialized behind a
//     mutex, with a Disconnected/Connected/Consuming/Closed state machine
//   - TopologyManager: exchanges, queues, bindings and dead-letter setup
//   - Publisher: builds and sends messages without confirms or retries
//   - Consumer: a single consume loop settling each delivery after its handler
//
// Lost connections are reported to state listeners and are not recovered.
package rabbitmq
