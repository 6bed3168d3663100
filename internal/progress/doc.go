// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that overlay sessions use to report attach, viewport and query
// milestones. It batches events on a background goroutine and fans them out to
// pluggable sinks such as Prometheus metrics or an in-memory history.
package progress
