package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/diracgrid/pilotauth/internal/common"
	"github.com/diracgrid/pilotauth/internal/dbx"
	"github.com/diracgrid/pilotauth/internal/logging"
	"github.com/diracgrid/pilotauth/internal/server/metrics"
	"github.com/diracgrid/pilotauth/internal/server/models"
	"github.com/diracgrid/pilotauth/internal/server/repositories/repomanager"
	"github.com/diracgrid/pilotauth/internal/server/secrets"
	"github.com/diracgrid/pilotauth/internal/server/throttle"
	"github.com/diracgrid/pilotauth/internal/timex"
)

// LoginState is the progress of one login attempt.
type LoginState int

const (
	LoginStart LoginState = iota
	LoginSecretVerified
	LoginTokensIssued
	LoginRejected
)

func (s LoginState) String() string {
	switch s {
	case LoginStart:
		return "start"
	case LoginSecretVerified:
		return "secret_verified"
	case LoginTokensIssued:
		return "tokens_issued"
	case LoginRejected:
		return "rejected"
	default:
		return fmt.Sprintf("LoginState(%d)", int(s))
	}
}

// LoginAttempt walks Start -> SecretVerified -> TokensIssued, or ends in
// Rejected from any non-final state.
type LoginAttempt struct {
	Reference string
	State     LoginState
}

func (a *LoginAttempt) advance(to LoginState) error {
	ok := false
	switch a.State {
	case LoginStart:
		ok = to == LoginSecretVerified || to == LoginRejected
	case LoginSecretVerified:
		ok = to == LoginTokensIssued || to == LoginRejected
	}
	if !ok {
		return fmt.Errorf("%w: login %s -> %s", common.ErrorInternal, a.State, to)
	}
	a.State = to
	return nil
}

// PilotAuthService exchanges pilot secrets for tokens and rotates refresh
// tokens.
type PilotAuthService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hasher      secrets.Hasher
	tokens      *TokenIssuer
	limiter     throttle.Limiter
	logger      logging.Logger
	metrics     *metrics.Metrics
	now         timex.Clock
}

// NewPilotAuthService constructs a PilotAuthService. limiter and m may be nil.
func NewPilotAuthService(db *sql.DB, rm repomanager.RepositoryManager, hasher secrets.Hasher, tokens *TokenIssuer,
	limiter throttle.Limiter, log logging.Logger, m *metrics.Metrics) *PilotAuthService {
	if limiter == nil {
		limiter = throttle.Nop{}
	}
	return &PilotAuthService{
		db:          db,
		repomanager: rm,
		hasher:      hasher,
		tokens:      tokens,
		limiter:     limiter,
		logger:      log.With("module", "pilot_auth"),
		metrics:     m,
		now:         timex.UTCNow,
	}
}

// Login verifies secret for the pilot ref and returns a fresh token pair.
// Unknown references and wrong or expired secrets all yield
// common.ErrBadPilotCredentials so callers cannot probe for valid
// references.
func (s *PilotAuthService) Login(ctx context.Context, ref, secret string) (*TokenPair, error) {
	attempt := &LoginAttempt{Reference: ref, State: LoginStart}

	if err := s.limiter.Check(ctx, ref); err != nil {
		if errors.Is(err, common.ErrTooManyAttempts) {
			s.reject(ctx, attempt, metrics.OutcomeThrottled)
			return nil, err
		}
		s.logger.Warn(ctx, "login throttle unavailable", "error", err)
	}

	hashed := s.hasher.Hash(secret)

	var pilot *models.PilotIdentity
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		pilot, err = s.repomanager.Pilots(tx).VerifySecret(ctx, ref, hashed, s.now())
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) || errors.Is(err, common.ErrorUnauthorized) {
			if ferr := s.limiter.Fail(ctx, ref); ferr != nil {
				s.logger.Warn(ctx, "login throttle unavailable", "error", ferr)
			}
			s.reject(ctx, attempt, metrics.OutcomeRejected)
			return nil, common.ErrBadPilotCredentials
		}
		s.reject(ctx, attempt, metrics.OutcomeError)
		return nil, fmt.Errorf("%w: verifying pilot secret: %v", common.ErrorInternal, err)
	}

	if err := attempt.advance(LoginSecretVerified); err != nil {
		return nil, err
	}
	if err := s.limiter.Reset(ctx, ref); err != nil {
		s.logger.Warn(ctx, "login throttle unavailable", "error", err)
	}

	pair, err := s.tokens.GeneratePilotTokens(ctx, pilot, "")
	if err != nil {
		s.reject(ctx, attempt, metrics.OutcomeError)
		return nil, err
	}

	if err := attempt.advance(LoginTokensIssued); err != nil {
		return nil, err
	}
	s.metrics.Login(metrics.OutcomeSuccess)
	s.logger.Info(ctx, "pilot logged in", "pilot_ref", ref, "state", attempt.State.String())
	return pair, nil
}

// Refresh exchanges refreshToken, issued to the already authenticated pilot,
// for a new pair. The old refresh token stops working.
func (s *PilotAuthService) Refresh(ctx context.Context, refreshToken string, pilot AuthenticatedPilot) (*TokenPair, error) {
	found, err := s.repomanager.Pilots(s.db).GetPilotsByReferences(ctx, []string{pilot.Reference})
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.metrics.Refresh(metrics.OutcomeRejected)
			return nil, common.ErrInvalidCredentials
		}
		s.metrics.Refresh(metrics.OutcomeError)
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	pair, err := s.tokens.GeneratePilotTokens(ctx, &found[0], refreshToken)
	if err != nil {
		if errors.Is(err, common.ErrInvalidCredentials) {
			s.metrics.Refresh(metrics.OutcomeRejected)
			s.logger.Warn(ctx, "refresh token rejected", "pilot_ref", pilot.Reference)
			return nil, err
		}
		s.metrics.Refresh(metrics.OutcomeError)
		return nil, err
	}

	s.metrics.Refresh(metrics.OutcomeSuccess)
	return pair, nil
}

// Authenticate validates an access token.
func (s *PilotAuthService) Authenticate(accessToken string) (*AuthenticatedPilot, error) {
	return s.tokens.AuthenticateAccessToken(accessToken)
}

func (s *PilotAuthService) reject(ctx context.Context, attempt *LoginAttempt, outcome string) {
	_ = attempt.advance(LoginRejected)
	s.metrics.Login(outcome)
	s.logger.Info(ctx, "pilot login rejected", "pilot_ref", attempt.Reference, "state", attempt.State.String(), "outcome", outcome)
}
