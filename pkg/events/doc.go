// Package events is a small in-process broker for task lifecycle
// events. The task service and the workers publish; the serve command
// subscribes for logging and the metrics collector subscribes to keep
// its gauges fresh. Slow subscribers drop events rather than block the
// engine.
package events
