package migrations

import "embed"

// Embedded migration files bundled at compile time
// Single binary deployment without external file dependencies
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS

// DocumentMigrations define the metadata schema of local document files.
// Documents are always SQLite.
//
//go:embed document/*.sql
var DocumentMigrations embed.FS
