// Package infra holds the adapters behind the core interfaces: SQL and
// spreadsheet storage, the postcode table, the Redis run lock, MQTT
// forwarding, metrics sinks, Sentry and the zerolog logger. Only core tests
// import infra.
package infra
