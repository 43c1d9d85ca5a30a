// Package redundant implements the composite transport that aggregates a
// group of inferior transports for modular redundancy. Outgoing transfers
// are forked into every inferior; incoming transfers are deduplicated so the
// user observes each logical transfer at most once. The group remains
// reconfigurable at runtime: inferiors can be attached and detached while
// existing sessions keep working.
package redundant
