// Package messaging implements the reliability core of buslink: link
// lifecycle, sends with broker settlement, streaming and batching receives,
// and the per-entity context that owns them.
//
// The package is written against the LinkEngine boundary, not a concrete
// transport. An engine opens sender and receiver links to an entity address
// and reports settlements, deliveries, and faults over channels; the
// internal/rabbitmq package provides the production engine.
//
// Link initialization is serialized through an InitLock so that concurrent
// operations on the same entity share a single link open instead of racing
// to create several. Entities with a TokenProvider renew their security
// claim on a timer owned by the entity and cancelled exactly once on close.
//
// Sender delivers one message at a time and resolves each send from the
// broker's settlement: accepted completes the send, every other disposition
// surfaces as a SettlementError. StreamingReceiver pushes deliveries into a
// handler with a bounded number of concurrent calls; BatchingReceiver
// collects up to a count of messages until a deadline. EntityContext holds
// the singleton sender and receiver slots for one entity path.
package messaging
