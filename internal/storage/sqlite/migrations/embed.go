package migrations

import "embed"

// FS contains embedded SQLite migrations for roomcast storage.
//
//go:embed *.sql
var FS embed.FS
