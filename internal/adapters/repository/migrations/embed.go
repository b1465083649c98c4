// Package migrations holds the schema shared by the sqlite and Postgres stores.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
