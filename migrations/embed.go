// Package migrations embeds the SQL migration files into the binary so the
// host can migrate its history database without the files being present on
// the filesystem.
package migrations

import (
	"embed"

	"github.com/voltlab/echem-host/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // files are at the root of the embedded FS
}
