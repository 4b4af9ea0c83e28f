package migrations

import "embed"

// FS holds the versioned schema applied by store.Migrate.
//
//go:embed *.sql
var FS embed.FS
