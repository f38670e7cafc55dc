// Package refreshtokens declares the server-side repository contract for
// managing refresh tokens in persistent storage.
package refreshtokens

import (
	"context"
	"time"

	"github.com/diracgrid/pilotauth/internal/server/models"
)

// Repository defines operations for issuing, retrieving, and revoking refresh
// tokens. Tokens are keyed by their JWT id.
type Repository interface {
	// Create stores a new refresh token record.
	Create(ctx context.Context, token *models.RefreshToken) error

	// Delete removes the token with the given jti. Deleting a token that is
	// already gone yields common.ErrorNotFound, which is how a reused token
	// is detected during rotation.
	Delete(ctx context.Context, jti string) error

	// DeleteExpired purges tokens that expired before now and reports how
	// many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
