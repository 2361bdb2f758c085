// Package migrations embeds the goose SQL migrations that create the enq
// schema, so the worker binary can bootstrap its own storage.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
