// Package migrations embeds the goose SQL migrations for the delivery store.
package migrations

import "embed"

//go:embed *.sql
var MigrationsFS embed.FS
