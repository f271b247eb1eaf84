// Package rabbitmq provides the broker plumbing used by the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with backoff
//   - ChannelPool: hands out channels on the current connection
//   - Publisher: publishes with publisher confirms
//   - Consumer: consumes with manual acknowledgment and resubscribes when
//     its channel dies
//   - TopologyManager: declares the broker topology
package rabbitmq
