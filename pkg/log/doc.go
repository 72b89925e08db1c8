// Package log wraps zerolog behind a small global logger with helpers
// for attaching the component, task, job and request fields used across
// the engine. Init is called exactly once from the serve command.
package log
