package whatsapp

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"github.com/roelfdiedericks/wabridge/internal/paths"
)

// openStore opens (and migrates) the whatsmeow device store at storePath.
func openStore(ctx context.Context, storePath string) (*sql.DB, *sqlstore.Container, error) {
	if err := paths.EnsureParentDir(storePath); err != nil {
		return nil, nil, err
	}

	db, err := sql.Open("sqlite3", storePath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open whatsapp db: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", &bridgeLogger{module: "store"})
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to upgrade whatsapp store: %w", err)
	}
	return db, container, nil
}
