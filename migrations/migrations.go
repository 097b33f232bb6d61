// Package migrations embeds the intake API's Postgres schema.
package migrations

import "embed"

// FS holds the versioned migration files.
//
//go:embed *.sql
var FS embed.FS
