// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that scheduler threads use to report connection activity and job
// status changes. It batches events on a background goroutine and fans them
// out to pluggable sinks such as Prometheus metrics or persistent history.
package progress
