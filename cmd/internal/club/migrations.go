package club

import "embed"

// Migrations holds the golang-migrate SQL files for the default "clubhouse" schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS
