// Package executor runs opaque runnables posted by the network engine. Any
// goroutine may post; a single dedicated worker goroutine drains a bounded FIFO
// queue and runs each item in post order, so everything the engine schedules
// executes serially.
package executor
