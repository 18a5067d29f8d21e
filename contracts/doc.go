// Package contracts provides the message types and error taxonomy for the buslink client.
//
// This package defines the data that flows across the sending and receiving paths:
//   - Message: An outbound message with an opaque body and broker-visible metadata
//   - WireMessage: The encoded wire representation handed to a link
//   - ReceivedMessage: An inbound delivery with peek-lock settlement operations
//   - Disposition: The terminal outcome the broker reports for a sent message
//
// All client-facing errors are defined here so callers can classify failures
// with errors.Is and errors.As without importing internal packages.
package contracts
