// Package progress carries harvest run milestones from the pipeline to
// pluggable sinks. Events are batched on a background goroutine so emitting
// never blocks a navigation or download worker.
package progress
