// Package observe provides the observability layer for rule execution:
// OpenTelemetry tracing and metrics, a zerolog-backed structured Logger, an
// evaluation Middleware, and the execution event Notifier.
//
// Notifications are fire-and-forget. A Notifier that fails or panics never
// changes the outcome of the evaluation that produced the event.
package observe
