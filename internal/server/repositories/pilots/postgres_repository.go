package pilots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/diracgrid/pilotauth/internal/common"
	"github.com/diracgrid/pilotauth/internal/dbx"
	"github.com/diracgrid/pilotauth/internal/server/models"
)

// batchSize bounds the rows per statement so bulk operations stay well below
// the Postgres limit of 65535 bind parameters.
const batchSize = 1000

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// AddPilotReferences inserts one pilot_agents row per reference. A unique
// violation reports the conflicting reference when Postgres names it, and
// the whole input otherwise. Run it in a transaction for all-or-nothing.
func (r *PostgresRepository) AddPilotReferences(ctx context.Context, refs []string, vo, gridType string, stamps map[string]string) error {
	if gridType == "" {
		gridType = common.DefaultGridType
	}

	for _, c := range dbx.Chunk(len(refs), batchSize) {
		batch := refs[c[0]:c[1]]

		query := `INSERT INTO pilot_agents (pilot_job_reference, vo, grid_type, pilot_stamp)
		 VALUES ` + dbx.RowPlaceholders(len(batch), 4)

		args := make([]any, 0, 4*len(batch))
		for _, ref := range batch {
			args = append(args, ref, vo, gridType, stamps[ref])
		}

		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				if ref, ok := violatingKey(err); ok {
					return common.NewPilotAlreadyExists([]string{ref})
				}
				return common.NewPilotAlreadyExists(refs)
			}
			return fmt.Errorf("db error: %w", err)
		}
	}

	return nil
}

// LookupPilotsByReferences splits refs into stored pilots (ordered by id)
// and missing references.
func (r *PostgresRepository) LookupPilotsByReferences(ctx context.Context, refs []string) (*models.PilotLookup, error) {
	refs = common.SortedUnique(refs)
	lookup := &models.PilotLookup{Found: []models.PilotIdentity{}, Missing: []string{}}

	byRef := make(map[string]struct{}, len(refs))
	for _, c := range dbx.Chunk(len(refs), batchSize) {
		batch := refs[c[0]:c[1]]

		query := `SELECT pilot_id, pilot_job_reference, vo, grid_type, pilot_stamp, status, submission_time, last_update_time
		 FROM pilot_agents
		 WHERE pilot_job_reference IN (` + dbx.Placeholders(1, len(batch)) + `)
		 ORDER BY pilot_id`

		args := make([]any, len(batch))
		for i, ref := range batch {
			args[i] = ref
		}

		found, err := r.queryPilots(ctx, query, args...)
		if err != nil {
			return nil, err
		}

		for _, p := range found {
			if _, dup := byRef[p.PilotJobReference]; dup {
				return nil, &common.InvalidStateError{
					Table:  "pilot_agents",
					Detail: "duplicate pilot_job_reference " + strconv.Quote(p.PilotJobReference),
				}
			}
			byRef[p.PilotJobReference] = struct{}{}
			lookup.Found = append(lookup.Found, p)
		}
	}

	sort.Slice(lookup.Found, func(i, j int) bool { return lookup.Found[i].PilotID < lookup.Found[j].PilotID })

	for _, ref := range refs {
		if _, ok := byRef[ref]; !ok {
			lookup.Missing = append(lookup.Missing, ref)
		}
	}

	return lookup, nil
}

// GetPilotsByReferences returns the pilots ordered by id, or a
// PilotNotFoundError carrying every missing reference.
func (r *PostgresRepository) GetPilotsByReferences(ctx context.Context, refs []string) ([]models.PilotIdentity, error) {
	lookup, err := r.LookupPilotsByReferences(ctx, refs)
	if err != nil {
		return nil, err
	}
	if len(lookup.Missing) > 0 {
		return nil, common.NewPilotRefsNotFound(lookup.Missing)
	}
	return lookup.Found, nil
}

// AddPilotCredentials stores one credential per pilot and returns the
// store-assigned creation dates aligned with ids.
func (r *PostgresRepository) AddPilotCredentials(ctx context.Context, ids []int64, hashes []string) ([]time.Time, error) {
	if len(ids) != len(hashes) {
		return nil, fmt.Errorf("%w: %d pilot ids but %d hashed secrets", common.ErrorValidation, len(ids), len(hashes))
	}

	created := make(map[int64]time.Time, len(ids))
	for _, c := range dbx.Chunk(len(ids), batchSize) {
		query := `INSERT INTO pilot_registrations (pilot_id, pilot_hashed_secret)
		 VALUES ` + dbx.RowPlaceholders(c[1]-c[0], 2) + `
		 RETURNING pilot_id, pilot_secret_creation_date`

		args := make([]any, 0, 2*(c[1]-c[0]))
		for i := c[0]; i < c[1]; i++ {
			args = append(args, ids[i], hashes[i])
		}

		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, r.credentialInsertError(err, ids)
		}

		for rows.Next() {
			var id int64
			var ts time.Time
			if err := rows.Scan(&id, &ts); err != nil {
				rows.Close()
				return nil, fmt.Errorf("db error: %w", err)
			}
			created[id] = ts
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, r.credentialInsertError(err, ids)
		}
	}

	dates := make([]time.Time, len(ids))
	for i, id := range ids {
		ts, ok := created[id]
		if !ok {
			return nil, &common.InvalidStateError{
				Table:  "pilot_registrations",
				Detail: "no creation date returned for pilot " + strconv.FormatInt(id, 10),
			}
		}
		dates[i] = ts
	}

	return dates, nil
}

func (r *PostgresRepository) credentialInsertError(err error, ids []int64) error {
	switch {
	case isForeignKeyViolation(err):
		if key, ok := violatingKey(err); ok {
			if id, perr := strconv.ParseInt(key, 10, 64); perr == nil {
				return common.NewPilotIDsNotFound([]int64{id})
			}
		}
		return common.NewPilotIDsNotFound(ids)
	case isUniqueViolation(err):
		return &common.CredentialAlreadyExistsError{IDs: ids}
	default:
		return fmt.Errorf("db error: %w", err)
	}
}

// SetCredentialsExpiration updates expiration dates keyed by pilot id. Ids
// without a credential row are skipped silently.
func (r *PostgresRepository) SetCredentialsExpiration(ctx context.Context, ids []int64, dates []time.Time) error {
	if len(ids) != len(dates) {
		return fmt.Errorf("%w: %d pilot ids but %d expiration dates", common.ErrorValidation, len(ids), len(dates))
	}

	for _, c := range dbx.Chunk(len(ids), batchSize) {
		query := `UPDATE pilot_registrations AS r
		 SET pilot_secret_expiration_date = v.expiration
		 FROM (VALUES ` + dbx.TypedRowPlaceholders(c[1]-c[0], "bigint", "timestamptz") + `) AS v (pilot_id, expiration)
		 WHERE r.pilot_id = v.pilot_id`

		args := make([]any, 0, 2*(c[1]-c[0]))
		for i := c[0]; i < c[1]; i++ {
			args = append(args, ids[i], dates[i])
		}

		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}

	return nil
}

func (r *PostgresRepository) GetCredential(ctx context.Context, pilotID int64) (*models.PilotCredential, error) {
	query :=
		`SELECT pilot_id, pilot_hashed_secret, pilot_secret_use_count, pilot_secret_creation_date, pilot_secret_expiration_date
		 FROM pilot_registrations
		 WHERE pilot_id = $1
		 `

	c := &models.PilotCredential{}
	var expiration sql.NullTime
	err := r.db.QueryRowContext(ctx, query, pilotID).
		Scan(&c.PilotID, &c.PilotHashedSecret, &c.PilotSecretUseCount, &c.PilotSecretCreationDate, &expiration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NewPilotIDsNotFound([]int64{pilotID})
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if expiration.Valid {
		c.PilotSecretExpirationDate = &expiration.Time
	}

	return c, nil
}

// VerifySecret resolves ref, locks the matching unexpired credential row and
// bumps its use count. It must run inside a transaction so the row lock is
// held until the increment commits. A wrong hash and an expired secret both
// give common.ErrorUnauthorized.
func (r *PostgresRepository) VerifySecret(ctx context.Context, ref, hashedSecret string, now time.Time) (*models.PilotIdentity, error) {
	pilots, err := r.GetPilotsByReferences(ctx, []string{ref})
	if err != nil {
		return nil, err
	}
	pilot := pilots[0]

	query :=
		`SELECT pilot_id FROM pilot_registrations
		 WHERE pilot_id = $1 AND pilot_hashed_secret = $2 AND pilot_secret_expiration_date > $3
		 FOR UPDATE
		 `

	var id int64
	if err := r.db.QueryRowContext(ctx, query, pilot.PilotID, hashedSecret, now).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorUnauthorized
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if err := r.IncrementUseCount(ctx, id); err != nil {
		return nil, err
	}

	return &pilot, nil
}

func (r *PostgresRepository) IncrementUseCount(ctx context.Context, pilotID int64) error {
	query :=
		`UPDATE pilot_registrations SET pilot_secret_use_count = pilot_secret_use_count + 1
		 WHERE pilot_id = $1
		 `

	res, err := r.db.ExecContext(ctx, query, pilotID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.NewPilotIDsNotFound([]int64{pilotID})
	}

	return nil
}

// AssociatePilotWithJobs records that pilotID ran jobIDs.
func (r *PostgresRepository) AssociatePilotWithJobs(ctx context.Context, pilotID int64, jobIDs []int64) error {
	for _, c := range dbx.Chunk(len(jobIDs), batchSize) {
		query := `INSERT INTO job_to_pilot_mapping (pilot_id, job_id)
		 VALUES ` + dbx.RowPlaceholders(c[1]-c[0], 2)

		args := make([]any, 0, 2*(c[1]-c[0]))
		for i := c[0]; i < c[1]; i++ {
			args = append(args, pilotID, jobIDs[i])
		}

		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			switch {
			case isForeignKeyViolation(err):
				return common.NewPilotIDsNotFound([]int64{pilotID})
			case isUniqueViolation(err):
				return fmt.Errorf("job already associated with pilot %d: %w", pilotID, common.ErrorAlreadyExists)
			}
			return fmt.Errorf("db error: %w", err)
		}
	}

	return nil
}

func (r *PostgresRepository) GetPilotJobIDs(ctx context.Context, pilotID int64) ([]int64, error) {
	query :=
		`SELECT job_id FROM job_to_pilot_mapping
		 WHERE pilot_id = $1
		 ORDER BY job_id
		 `

	rows, err := r.db.QueryContext(ctx, query, pilotID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return ids, nil
}

func (r *PostgresRepository) queryPilots(ctx context.Context, query string, args ...any) ([]models.PilotIdentity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.PilotIdentity
	for rows.Next() {
		var p models.PilotIdentity
		var status string
		if err := rows.Scan(&p.PilotID, &p.PilotJobReference, &p.VO, &p.GridType, &p.PilotStamp,
			&status, &p.SubmissionTime, &p.LastUpdateTime); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		p.Status = models.PilotStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return out, nil
}
