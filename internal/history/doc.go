// Package history persists terminal technique invocation records so
// operators can inspect what ran on each channel after the fact. Only
// terminal outcomes are stored; live progress exists solely on the wire.
package history
