package repomanager

import (
	"context"
	"database/sql"

	"github.com/diracgrid/pilotauth/internal/dbx"
	"github.com/diracgrid/pilotauth/internal/server/repositories/pilots"
	"github.com/diracgrid/pilotauth/internal/server/repositories/refreshtokens"
)

// RepositoryManager vends repositories bound to a connection or transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Pilots(db dbx.DBTX) pilots.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
}
