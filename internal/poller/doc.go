// Package poller provides the HTTP polling machinery for Katharsis.
//
// Two pollers live here:
//
//   - [Loop]: the dashboard widget's fetch, emit and reschedule cycle. Each
//     call to [Loop.Start] returns a cancellable [Task]. A cycle that fails
//     reports the error and ends the task; it is never retried.
//   - [Scheduler]: the aggregator's collector. It polls upstream [Source]
//     definitions at their intervals with a bounded worker pool and emits
//     [Result] values on a channel.
//
// Both share [Client], a thin wrapper over net/http with per-request
// timeouts and a response size limit.
package poller
