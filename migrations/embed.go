// Package migrations embeds the numbered SQL files applied to each clinic schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
