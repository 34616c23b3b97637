// Package httpserver wraps net/http with graceful shutdown, configurable
// timeouts, lifecycle hooks, and probe handlers.
package httpserver
