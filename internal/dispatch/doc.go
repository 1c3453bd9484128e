// Package dispatch runs technique invocations on reserved channels.
//
// The dispatcher is the only path to the instrument. A submit is accepted
// only from the channel's current holder while the channel is Reserved; the
// channel transitions to Running for the duration of the run and back to
// Reserved afterwards (never straight to Free, so the holder can inspect
// results before releasing). Progress points are streamed on the channel's
// invoke/status topic, followed by exactly one terminal status. Terminal
// outcomes of executed runs are persisted to the history store.
//
// Transport redelivery is absorbed by remembering recent invocation ids:
// a duplicate submit for an id that is in flight or recently finished is
// ignored rather than run twice.
package dispatch
