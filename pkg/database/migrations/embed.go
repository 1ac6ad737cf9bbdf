// Package migrations holds the embedded goose migrations for the identity schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
