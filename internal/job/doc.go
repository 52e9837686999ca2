// Package job defines the immutable description of work handed to the pool:
// WorkItem and JobSet on the dispatching side, Call on the worker side, and
// the Sink report a worker returns for each job's log file.
package job
