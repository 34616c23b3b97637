// Package billing is the billing-event ingestion core: it receives verified
// payment-provider webhooks and durably converts them into tenant-scoped
// subscription state and an append-only revenue ledger.
//
// Provider delivery is at-least-once and may arrive out of order, so the
// pipeline is built around an idempotent event ledger with per-event attempt
// tracking, a strict-priority tenant resolver with a quarantine sink for
// unresolvable events, and a subscription lifecycle engine that derives
// analytics events by diffing stored vs. reported state. Each webhook is
// handled synchronously within its HTTP request and all business writes for
// one event commit in a single transaction.
package billing
