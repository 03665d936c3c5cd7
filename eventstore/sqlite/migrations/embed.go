package migrations

import "embed"

// FS contains the embedded SQLite event store migrations.
//
//go:embed *.sql
var FS embed.FS
