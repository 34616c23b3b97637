// Package requestid correlates all log records of one HTTP request under a
// single opaque id. The Middleware reuses a valid client-supplied
// X-Request-ID or generates a UUID, and LoggerExtractor injects the id into
// structured log output via the logger's context extractors.
package requestid
