package migrations

import "embed"

// FS holds the SQL migration files that live next to this file. The
// iofs source driver reads them when migrations are applied at startup.
//
//go:embed *.sql
var FS embed.FS

// Version is the schema version the binary expects. Bump it together
// with every new migration pair added to this directory.
const Version = 1
