// Package pilots persists pilot identities, their credentials and their job
// associations.
package pilots

import (
	"context"
	"time"

	"github.com/diracgrid/pilotauth/internal/server/models"
)

// Repository is bound to one connection or transaction. Multi-statement
// operations (VerifySecret, the bulk inserts) must run inside a transaction
// to be atomic.
type Repository interface {
	AddPilotReferences(ctx context.Context, refs []string, vo, gridType string, stamps map[string]string) error
	LookupPilotsByReferences(ctx context.Context, refs []string) (*models.PilotLookup, error)
	GetPilotsByReferences(ctx context.Context, refs []string) ([]models.PilotIdentity, error)

	AddPilotCredentials(ctx context.Context, ids []int64, hashes []string) ([]time.Time, error)
	SetCredentialsExpiration(ctx context.Context, ids []int64, dates []time.Time) error
	GetCredential(ctx context.Context, pilotID int64) (*models.PilotCredential, error)
	VerifySecret(ctx context.Context, ref, hashedSecret string, now time.Time) (*models.PilotIdentity, error)
	IncrementUseCount(ctx context.Context, pilotID int64) error

	AssociatePilotWithJobs(ctx context.Context, pilotID int64, jobIDs []int64) error
	GetPilotJobIDs(ctx context.Context, pilotID int64) ([]int64, error)
}
