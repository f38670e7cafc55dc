// Package services contains server-side business logic: registering pilots
// and issuing their secrets, exchanging secrets for tokens, and rotating
// refresh tokens.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/diracgrid/pilotauth/internal/common"
	"github.com/diracgrid/pilotauth/internal/dbx"
	"github.com/diracgrid/pilotauth/internal/server/auth"
	"github.com/diracgrid/pilotauth/internal/server/config"
	"github.com/diracgrid/pilotauth/internal/server/models"
	"github.com/diracgrid/pilotauth/internal/server/repositories/repomanager"
	"github.com/diracgrid/pilotauth/internal/timex"
)

// TokenPair bundles a short-lived access token and a single-use refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// AuthenticatedPilot is the identity proven by a valid access token.
type AuthenticatedPilot struct {
	Reference string
	VO        string
	Scope     string
}

// TokenIssuer mints pilot access/refresh tokens and rotates refresh tokens.
// Refresh tokens are JWTs whose jti must still be present in the
// refresh_tokens table; rotation deletes the old row and inserts the new one
// in a single transaction.
type TokenIssuer struct {
	db                           *sql.DB
	repomanager                  repomanager.RepositoryManager
	jwtSecret                    []byte
	issuer                       string
	accessTokenValidityDuration  time.Duration
	refreshTokenValidityDuration time.Duration
	now                          timex.Clock
	newID                        func() string
}

// NewTokenIssuer constructs a TokenIssuer using repositories and server config.
func NewTokenIssuer(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config) *TokenIssuer {
	return &TokenIssuer{
		db:                           db,
		repomanager:                  m,
		jwtSecret:                    []byte(cfg.SecretKey),
		issuer:                       cfg.TokenIssuer,
		accessTokenValidityDuration:  cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration: cfg.RefreshTokenValidityDuration,
		now:                          timex.UTCNow,
		newID:                        uuid.NewString,
	}
}

// GeneratePilotTokens mints a fresh pair for pilot. When oldRefresh is set it
// must be a live refresh token of the same pilot; it is revoked atomically
// with the creation of the new one, so each refresh token works once.
// Reused, expired or foreign refresh tokens yield common.ErrInvalidCredentials.
func (i *TokenIssuer) GeneratePilotTokens(ctx context.Context, pilot *models.PilotIdentity, oldRefresh string) (*TokenPair, error) {
	var oldJTI string
	if oldRefresh != "" {
		claims, err := i.parse(oldRefresh, auth.TokenTypeRefresh)
		if err != nil {
			return nil, common.ErrInvalidCredentials
		}
		if claims.Subject != pilot.PilotJobReference {
			return nil, common.ErrInvalidCredentials
		}
		oldJTI = claims.ID
	}

	now := i.now()
	scope := auth.PilotScope(pilot.VO)

	access, err := auth.CreateToken(i.claims(pilot, scope, auth.TokenTypeAccess, i.newID(), now, i.accessTokenValidityDuration), i.jwtSecret)
	if err != nil {
		return nil, common.ErrorInternal
	}

	record := &models.RefreshToken{
		JTI:       i.newID(),
		Subject:   pilot.PilotJobReference,
		VO:        pilot.VO,
		Scope:     scope,
		ExpiresAt: now.Add(i.refreshTokenValidityDuration),
		CreatedAt: now,
	}
	refresh, err := auth.CreateToken(i.claims(pilot, scope, auth.TokenTypeRefresh, record.JTI, now, i.refreshTokenValidityDuration), i.jwtSecret)
	if err != nil {
		return nil, common.ErrorInternal
	}

	if err := dbx.WithTx(ctx, i.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := i.repomanager.RefreshTokens(tx)
		if oldJTI != "" {
			if err := repo.Delete(ctx, oldJTI); err != nil {
				if errors.Is(err, common.ErrorNotFound) {
					return common.ErrInvalidCredentials
				}
				return fmt.Errorf("error deleting refresh token: %w", err)
			}
		}
		if err := repo.Create(ctx, record); err != nil {
			return fmt.Errorf("error storing refresh token: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    i.accessTokenValidityDuration,
	}, nil
}

// AuthenticateAccessToken validates an access token and returns the pilot it
// was issued to.
func (i *TokenIssuer) AuthenticateAccessToken(raw string) (*AuthenticatedPilot, error) {
	claims, err := i.parse(raw, auth.TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return &AuthenticatedPilot{Reference: claims.Subject, VO: claims.VO, Scope: claims.Scope}, nil
}

// PurgeExpiredRefreshTokens removes refresh token rows past their expiry.
func (i *TokenIssuer) PurgeExpiredRefreshTokens(ctx context.Context) (int64, error) {
	return i.repomanager.RefreshTokens(i.db).DeleteExpired(ctx, i.now())
}

func (i *TokenIssuer) parse(raw, tokenType string) (*auth.Claims, error) {
	claims, err := auth.ParseToken(raw, i.jwtSecret, i.issuer, i.now())
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenType {
		return nil, common.ErrInvalidToken
	}
	return claims, nil
}

func (i *TokenIssuer) claims(pilot *models.PilotIdentity, scope, tokenType, jti string, now time.Time, validity time.Duration) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   pilot.PilotJobReference,
			Issuer:    i.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		PreferredUsername: pilot.PilotJobReference,
		VO:                pilot.VO,
		Scope:             scope,
		DiracProperties:   auth.PilotProperties(),
		TokenType:         tokenType,
	}
}
