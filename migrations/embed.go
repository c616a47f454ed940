// Package migrations embeds the SQLite schema for the connection history journal.
package migrations

import "embed"

// FS holds the numbered *.sql files applied by database.Migrate.
//
//go:embed *.sql
var FS embed.FS
