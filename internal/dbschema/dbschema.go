// Package dbschema embeds the authoritative schema.sql so entrypoint
// binaries can migrate a database without a separate file dependency
// at deploy time.
package dbschema

import _ "embed"

//go:embed schema.sql
var SQL string
