// Package history journals connection events and report outcomes to SQLite.
//
// The Journal consumes a connection.Manager Watch channel and observes the
// reporter, writing on a single goroutine. Rows older than the retention
// window are pruned once a day. The HTTP API reads the journal through
// Repository.Recent.
package history
