// Package migrations embeds the SQL schema for the build store.
package migrations

import "embed"

// FS holds every migration file.
//
//go:embed *.sql
var FS embed.FS

// Files lists migrations in the order they must be applied.
var Files = []string{
	"001_create_pools.sql",
	"002_create_builds.sql",
	"003_create_schedules.sql",
}
