// Package migrations embeds the schema of the tables this service owns. The
// catalog tables belong to the catalog service and are only read here.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
