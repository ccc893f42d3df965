package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"pacscore/pkg/domain"
)

// Open selects a metadata store driver from the environment.
//
//	PACSCORE_DB_DRIVER=sqlite|postgres|memory (default sqlite)
//	PACSCORE_DB_PATH=<file>                   (sqlite driver)
//	PACSCORE_DB_DSN=<dsn>                     (postgres driver)
func Open(ctx context.Context) (domain.MetadataStore, error) {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("PACSCORE_DB_DRIVER")))
	switch driver {
	case "", "sqlite":
		return OpenSQLite(os.Getenv("PACSCORE_DB_PATH"))
	case "postgres":
		return OpenPostgres(ctx, os.Getenv("PACSCORE_DB_DSN"))
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown metadata store driver %q", driver)
	}
}
