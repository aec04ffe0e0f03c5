// Package migrations carries the SQL schema compiled into the binaries.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
