// Package rabbitmq implements the link engine over AMQP 0.9.1. It maps the
// messaging layer's link model onto broker channels: sender links publish in
// confirm mode and report broker outcomes as settlements, receiver links
// consume with a prefetch-bounded credit window and settle deliveries
// through acknowledgements. A connection manager dials lazily, restores
// dropped connections with backoff, and carries refreshable credentials so
// restored connections authenticate with the current token.
package rabbitmq
