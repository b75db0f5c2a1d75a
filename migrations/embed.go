// Package migrations embeds the goose SQL migrations. The same files run on
// SQLite and PostgreSQL, so they stick to portable types.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
