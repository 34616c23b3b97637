// Package pg provides PostgreSQL connectivity for the service: pooled
// connections with startup retry, embedded goose migrations, healthcheck
// wiring, and error classification helpers shared by the storage layer.
package pg
