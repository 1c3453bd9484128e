// Package broker implements the channel-reservation core of the echem host:
// the registry of reservable instrument channels and the reservation manager
// that grants mutually-exclusive, FIFO-ordered access to them.
//
// # Model
//
// Each channel represents exclusive access to one instrument channel. A
// reservation is a time-bounded lease held by one client. Contending
// requests queue FIFO; releasing (explicitly, by lease expiry, or by client
// disconnect) grants the queue head in the same step, so no third party can
// jump the queue.
//
// # Concurrency
//
// All mutation of one channel happens under that channel's mutex - the
// single serialization point the protocol relies on for its ordering
// guarantee. Operations on different channels proceed in parallel. Grant
// notifications are published while the channel mutex is held so the
// publish order matches the decision order.
//
// # Failure handling
//
// A background sweep reclaims reservations whose deadline has passed, and
// the transport's Last Will delivery triggers the same implicit-release
// path immediately on client disconnect. Malformed or out-of-turn messages
// are answered with an error code and logged; they never stop the manager.
package broker
