// Package sinks contains progress.Sink implementations for logs and Prometheus.
package sinks
