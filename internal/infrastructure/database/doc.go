// Package database opens the bridge's SQLite file and applies the schema
// migrations embedded by the migrations package.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil { ... }
//	defer db.Close()
//	if err := db.Migrate(ctx, migrations.FS); err != nil { ... }
package database
