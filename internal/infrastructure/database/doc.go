// Package database provides SQLite connectivity for the gateway.
//
// This package manages:
//   - Database connection with WAL mode and a busy timeout
//   - Forward-only schema migrations read from an fs.FS
//   - Health checks and lifecycle
//
// The gateway stores one row per known device so workers can be restored
// after a restart; see internal/device for the repository.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
