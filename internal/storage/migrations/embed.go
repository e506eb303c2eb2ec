// Package migrations embeds the ordered Postgres schema migrations.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
