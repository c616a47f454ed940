// Package database provides the SQLite handle behind the connection history journal.
//
// The handle runs in WAL mode with a single connection. Schema changes are
// numbered SQL files read from an fs.FS, normally the embedded
// migrations.FS:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a default.
// The file is created with 0600 permissions.
package database
