// Package store opens a remote store backend by name.
package store

import (
	"context"
	"fmt"
	"os"

	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/postgres"
	"github.com/warp/settlement-engine/store/sqlite"
)

// Backend names accepted by OpenRemote.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DefaultSQLitePath is the remote database file used when none is given.
const DefaultSQLitePath = "sales.db"

// OpenRemote opens a RemoteStore and returns its closer. For postgres an
// empty target falls back to $DATABASE_URL.
func OpenRemote(ctx context.Context, backend, target string) (settlement.RemoteStore, func(), error) {
	switch backend {
	case BackendSQLite, "":
		if target == "" {
			target = DefaultSQLitePath
		}
		s, err := sqlite.New(target)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case BackendPostgres:
		if target == "" {
			target = os.Getenv("DATABASE_URL")
		}
		if target == "" {
			return nil, nil, fmt.Errorf("postgres remote needs a connection URL or DATABASE_URL")
		}
		s, err := postgres.New(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown remote store %q (use %s or %s)", backend, BackendSQLite, BackendPostgres)
}
