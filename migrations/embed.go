// Package migrations embeds the SQL schema so the binary can migrate without
// a migrations directory on disk.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
