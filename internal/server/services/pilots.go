package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/diracgrid/pilotauth/internal/common"
	"github.com/diracgrid/pilotauth/internal/dbx"
	"github.com/diracgrid/pilotauth/internal/logging"
	"github.com/diracgrid/pilotauth/internal/server/config"
	"github.com/diracgrid/pilotauth/internal/server/metrics"
	"github.com/diracgrid/pilotauth/internal/server/models"
	"github.com/diracgrid/pilotauth/internal/server/repositories/pilots"
	"github.com/diracgrid/pilotauth/internal/server/repositories/repomanager"
	"github.com/diracgrid/pilotauth/internal/server/secrets"
)

// RegisterPilotsRequest is the input of a combined registration.
type RegisterPilotsRequest struct {
	References []string
	VO         string
	GridType   string
	Stamps     map[string]string
}

// PilotService registers pilots and issues their secrets.
type PilotService struct {
	db             *sql.DB
	repomanager    repomanager.RepositoryManager
	hasher         secrets.Hasher
	generator      secrets.Generator
	secretValidity time.Duration
	logger         logging.Logger
	metrics        *metrics.Metrics
}

// NewPilotService constructs a PilotService. m may be nil.
func NewPilotService(db *sql.DB, rm repomanager.RepositoryManager, hasher secrets.Hasher, cfg *config.Config, log logging.Logger, m *metrics.Metrics) *PilotService {
	return &PilotService{
		db:             db,
		repomanager:    rm,
		hasher:         hasher,
		generator:      secrets.RandomGenerator{},
		secretValidity: cfg.PilotSecretValidityDuration,
		logger:         log.With("module", "pilots"),
		metrics:        m,
	}
}

// RegisterNewPilots inserts refs as new pilots of vo. The batch is all or
// nothing: if any reference already exists, nothing is written and the
// returned *common.PilotAlreadyExistsError names exactly the existing ones.
func (s *PilotService) RegisterNewPilots(ctx context.Context, refs []string, vo, gridType string, stamps map[string]string) error {
	if err := validateRegistration(refs, vo, gridType, stamps); err != nil {
		return err
	}

	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.registerNewPilots(ctx, s.repomanager.Pilots(tx), refs, vo, gridType, stamps)
	}); err != nil {
		return s.existingSubset(ctx, refs, err)
	}

	s.metrics.PilotsRegistered(len(refs))
	s.logger.Info(ctx, "pilots registered", "count", len(refs), "vo", vo)
	return nil
}

// IssueCredentialsForPilots creates one secret per pilot id and returns the
// plaintexts aligned with ids. Only the hashes are stored; each credential
// expires expire after its store-assigned creation date. Insert and
// expiration update share one transaction, so a credential never becomes
// visible without its expiration.
func (s *PilotService) IssueCredentialsForPilots(ctx context.Context, ids []int64, expire time.Duration) ([]string, error) {
	var plaintexts []string
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		plaintexts, err = s.issueCredentials(ctx, s.repomanager.Pilots(tx), ids, expire)
		return err
	}); err != nil {
		return nil, err
	}

	s.metrics.SecretsIssued(len(plaintexts))
	return plaintexts, nil
}

// PilotIDsFromReferences resolves refs to pilot ids, aligned with refs.
func (s *PilotService) PilotIDsFromReferences(ctx context.Context, refs []string) ([]int64, error) {
	return pilotIDsFromReferences(ctx, s.repomanager.Pilots(s.db), refs)
}

// RegisterPilotsWithCredentials registers req.References and issues their
// secrets in one transaction. Secrets are aligned with req.References.
func (s *PilotService) RegisterPilotsWithCredentials(ctx context.Context, req RegisterPilotsRequest) ([]string, error) {
	if err := validateRegistration(req.References, req.VO, req.GridType, req.Stamps); err != nil {
		return nil, err
	}

	var plaintexts []string
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Pilots(tx)

		if err := s.registerNewPilots(ctx, repo, req.References, req.VO, req.GridType, req.Stamps); err != nil {
			return err
		}

		ids, err := pilotIDsFromReferences(ctx, repo, req.References)
		if err != nil {
			return err
		}

		plaintexts, err = s.issueCredentials(ctx, repo, ids, s.secretValidity)
		return err
	}); err != nil {
		return nil, s.existingSubset(ctx, req.References, err)
	}

	s.metrics.PilotsRegistered(len(req.References))
	s.metrics.SecretsIssued(len(plaintexts))
	s.logger.Info(ctx, "pilots registered with credentials", "count", len(req.References), "vo", req.VO)
	return plaintexts, nil
}

// GetPilotByReference returns the pilot registered under ref.
func (s *PilotService) GetPilotByReference(ctx context.Context, ref string) (*models.PilotIdentity, error) {
	found, err := s.repomanager.Pilots(s.db).GetPilotsByReferences(ctx, []string{ref})
	if err != nil {
		return nil, err
	}
	return &found[0], nil
}

// AssociateJobs records that the pilot ref ran jobIDs.
func (s *PilotService) AssociateJobs(ctx context.Context, ref string, jobIDs []int64) error {
	if len(jobIDs) == 0 {
		return fmt.Errorf("%w: no job ids", common.ErrorValidation)
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Pilots(tx)
		found, err := repo.GetPilotsByReferences(ctx, []string{ref})
		if err != nil {
			return err
		}
		return repo.AssociatePilotWithJobs(ctx, found[0].PilotID, jobIDs)
	})
}

// PilotJobIDs lists the jobs run by the pilot ref, ascending.
func (s *PilotService) PilotJobIDs(ctx context.Context, ref string) ([]int64, error) {
	repo := s.repomanager.Pilots(s.db)
	found, err := repo.GetPilotsByReferences(ctx, []string{ref})
	if err != nil {
		return nil, err
	}
	return repo.GetPilotJobIDs(ctx, found[0].PilotID)
}

// --- helpers below ---

func (s *PilotService) registerNewPilots(ctx context.Context, repo pilots.Repository, refs []string, vo, gridType string, stamps map[string]string) error {
	lookup, err := repo.LookupPilotsByReferences(ctx, refs)
	if err != nil {
		return err
	}
	if len(lookup.Found) > 0 {
		return common.NewPilotAlreadyExists(lookup.References())
	}

	if gridType == "" {
		gridType = common.DefaultGridType
	}
	if err := repo.AddPilotReferences(ctx, refs, vo, gridType, stamps); err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return fmt.Errorf("%w: %w", errInsertConflict, err)
		}
		return err
	}
	return nil
}

// errInsertConflict marks a duplicate that slipped past the lookup because a
// concurrent registration committed in between.
var errInsertConflict = errors.New("concurrent registration")

// existingSubset rewrites an insert conflict into the full set of existing
// references. The insert only names the first duplicate key and the aborted
// transaction cannot be queried, so refs are looked up again outside of it.
func (s *PilotService) existingSubset(ctx context.Context, refs []string, err error) error {
	var exists *common.PilotAlreadyExistsError
	if !errors.Is(err, errInsertConflict) || !errors.As(err, &exists) {
		return err
	}

	lookup, lerr := s.repomanager.Pilots(s.db).LookupPilotsByReferences(ctx, refs)
	if lerr != nil || len(lookup.Found) == 0 {
		s.logger.Warn(ctx, "could not resolve conflicting pilot references", "error", lerr)
		return exists
	}
	return common.NewPilotAlreadyExists(lookup.References())
}

func (s *PilotService) issueCredentials(ctx context.Context, repo pilots.Repository, ids []int64, expire time.Duration) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	plaintexts := make([]string, len(ids))
	hashes := make([]string, len(ids))
	for i := range ids {
		secret, err := s.generator.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("error generating secret: %w", err)
		}
		plaintexts[i] = secret
		hashes[i] = s.hasher.Hash(secret)
	}

	created, err := repo.AddPilotCredentials(ctx, ids, hashes)
	if err != nil {
		return nil, err
	}

	expirations := make([]time.Time, len(created))
	for i, c := range created {
		expirations[i] = c.Add(expire)
	}

	if err := repo.SetCredentialsExpiration(ctx, ids, expirations); err != nil {
		return nil, err
	}

	return plaintexts, nil
}

func pilotIDsFromReferences(ctx context.Context, repo pilots.Repository, refs []string) ([]int64, error) {
	found, err := repo.GetPilotsByReferences(ctx, refs)
	if err != nil {
		return nil, err
	}

	byRef := make(map[string]int64, len(found))
	for _, p := range found {
		byRef[p.PilotJobReference] = p.PilotID
	}

	ids := make([]int64, len(refs))
	for i, ref := range refs {
		ids[i] = byRef[ref]
	}
	return ids, nil
}

// Column widths of pilot_agents.
const (
	maxReferenceLen = 255
	maxVOLen        = 128
	maxGridTypeLen  = 32
	maxStampLen     = 32
)

func validateRegistration(refs []string, vo, gridType string, stamps map[string]string) error {
	if len(refs) == 0 {
		return fmt.Errorf("%w: no pilot references", common.ErrorValidation)
	}
	if vo == "" {
		return fmt.Errorf("%w: vo is required", common.ErrorValidation)
	}
	if len(vo) > maxVOLen {
		return fmt.Errorf("%w: vo longer than %d", common.ErrorValidation, maxVOLen)
	}
	if len(gridType) > maxGridTypeLen {
		return fmt.Errorf("%w: grid type longer than %d", common.ErrorValidation, maxGridTypeLen)
	}

	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if ref == "" {
			return fmt.Errorf("%w: empty pilot reference", common.ErrorValidation)
		}
		if len(ref) > maxReferenceLen {
			return fmt.Errorf("%w: pilot reference longer than %d", common.ErrorValidation, maxReferenceLen)
		}
		if _, dup := seen[ref]; dup {
			return fmt.Errorf("%w: duplicate pilot reference %q", common.ErrorValidation, ref)
		}
		seen[ref] = struct{}{}
	}

	for ref, stamp := range stamps {
		if len(stamp) > maxStampLen {
			return fmt.Errorf("%w: stamp of %q longer than %d", common.ErrorValidation, ref, maxStampLen)
		}
	}
	return nil
}
