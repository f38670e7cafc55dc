package pilots

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diracgrid/pilotauth/internal/common"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

var pilotColumns = []string{"pilot_id", "pilot_job_reference", "vo", "grid_type", "pilot_stamp", "status", "submission_time", "last_update_time"}

const (
	qInsertAgents = `(?s)^INSERT\s+INTO\s+pilot_agents\s*\(pilot_job_reference,\s*vo,\s*grid_type,\s*pilot_stamp\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4\)`
	qSelectAgents = `(?s)^SELECT\s+pilot_id,\s*pilot_job_reference,.*FROM\s+pilot_agents\s+WHERE\s+pilot_job_reference\s+IN\s*\(\$1.*\)\s*ORDER\s+BY\s+pilot_id$`
	qInsertCreds  = `(?s)^INSERT\s+INTO\s+pilot_registrations\s*\(pilot_id,\s*pilot_hashed_secret\)\s*VALUES\s*\(\$1,\s*\$2\).*RETURNING\s+pilot_id,\s*pilot_secret_creation_date$`
	qSetExpiry    = `(?s)^UPDATE\s+pilot_registrations\s+AS\s+r\s+SET\s+pilot_secret_expiration_date\s*=\s*v\.expiration\s+FROM\s*\(VALUES\s*\(\$1::bigint,\s*\$2::timestamptz\).*\)\s*AS\s+v\s*\(pilot_id,\s*expiration\)\s*WHERE\s+r\.pilot_id\s*=\s*v\.pilot_id$`
	qVerify       = `(?s)^SELECT\s+pilot_id\s+FROM\s+pilot_registrations\s+WHERE\s+pilot_id\s*=\s*\$1\s+AND\s+pilot_hashed_secret\s*=\s*\$2\s+AND\s+pilot_secret_expiration_date\s*>\s*\$3\s+FOR\s+UPDATE\s*$`
	qIncrement    = `(?s)^UPDATE\s+pilot_registrations\s+SET\s+pilot_secret_use_count\s*=\s*pilot_secret_use_count\s*\+\s*1\s+WHERE\s+pilot_id\s*=\s*\$1\s*$`
	qGetCred      = `(?s)^SELECT\s+pilot_id,\s*pilot_hashed_secret,.*FROM\s+pilot_registrations\s+WHERE\s+pilot_id\s*=\s*\$1\s*$`
	qInsertJobs   = `(?s)^INSERT\s+INTO\s+job_to_pilot_mapping\s*\(pilot_id,\s*job_id\)\s*VALUES\s*\(\$1,\s*\$2\)`
	qSelectJobs   = `(?s)^SELECT\s+job_id\s+FROM\s+job_to_pilot_mapping\s+WHERE\s+pilot_id\s*=\s*\$1\s+ORDER\s+BY\s+job_id\s*$`
)

func TestAddPilotReferences_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(qInsertAgents+`,\s*\(\$5,\s*\$6,\s*\$7,\s*\$8\)$`).
		WithArgs("ref-1", "lhcb", "DIRAC", "stamp-1", "ref-2", "lhcb", "DIRAC", "").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := repo.AddPilotReferences(context.Background(), []string{"ref-1", "ref-2"}, "lhcb", "", map[string]string{"ref-1": "stamp-1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPilotReferences_ChunksLargeBatches(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	refs := make([]string, batchSize+1)
	for i := range refs {
		refs[i] = "ref-" + strconv.Itoa(i)
	}

	mock.ExpectExec(qInsertAgents).WillReturnResult(sqlmock.NewResult(0, batchSize))
	mock.ExpectExec(qInsertAgents + `$`).
		WithArgs(refs[batchSize], "vo", "ARC", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AddPilotReferences(context.Background(), refs, "vo", "ARC", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPilotReferences_UniqueViolation(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(qInsertAgents).
		WillReturnError(&pgconn.PgError{
			Code:   pgerrcode.UniqueViolation,
			Detail: "Key (pilot_job_reference)=(ref-2) already exists.",
		})

	err := repo.AddPilotReferences(context.Background(), []string{"ref-1", "ref-2"}, "vo", "DIRAC", nil)
	require.ErrorIs(t, err, common.ErrorAlreadyExists)

	var exists *common.PilotAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, []string{"ref-2"}, exists.Refs)
}

func TestAddPilotReferences_UniqueViolationWithoutDetail(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(qInsertAgents).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	err := repo.AddPilotReferences(context.Background(), []string{"b", "a"}, "vo", "DIRAC", nil)

	var exists *common.PilotAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, []string{"a", "b"}, exists.Refs)
}

func TestAddPilotReferences_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(qInsertAgents).WillReturnError(errors.New("db down"))

	err := repo.AddPilotReferences(context.Background(), []string{"a"}, "vo", "DIRAC", nil)
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestLookupPilotsByReferences_Partition(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(pilotColumns).
		AddRow(int64(3), "ref-a", "vo", "DIRAC", "", "Submitted", now, now).
		AddRow(int64(7), "ref-c", "vo", "DIRAC", "s", "Submitted", now, now)
	mock.ExpectQuery(qSelectAgents).
		WithArgs("ref-a", "ref-b", "ref-c").
		WillReturnRows(rows)

	lookup, err := repo.LookupPilotsByReferences(context.Background(), []string{"ref-c", "ref-b", "ref-a", "ref-b"})
	require.NoError(t, err)

	require.Len(t, lookup.Found, 2)
	assert.Equal(t, int64(3), lookup.Found[0].PilotID)
	assert.Equal(t, "ref-c", lookup.Found[1].PilotJobReference)
	assert.Equal(t, "s", lookup.Found[1].PilotStamp)
	assert.Equal(t, []string{"ref-b"}, lookup.Missing)
	assert.Equal(t, []string{"ref-a", "ref-c"}, lookup.References())
}

func TestLookupPilotsByReferences_Empty(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	lookup, err := repo.LookupPilotsByReferences(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, lookup.Found)
	assert.Empty(t, lookup.Missing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupPilotsByReferences_DuplicateRowIsInvalidState(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(pilotColumns).
		AddRow(int64(1), "ref-a", "vo", "DIRAC", "", "Submitted", now, now).
		AddRow(int64(2), "ref-a", "vo", "DIRAC", "", "Submitted", now, now)
	mock.ExpectQuery(qSelectAgents).WillReturnRows(rows)

	_, err := repo.LookupPilotsByReferences(context.Background(), []string{"ref-a"})
	require.ErrorIs(t, err, common.ErrorInvalidState)
}

func TestGetPilotsByReferences_MissingSet(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(pilotColumns).
		AddRow(int64(1), "present", "vo", "DIRAC", "", "Submitted", now, now)
	mock.ExpectQuery(qSelectAgents).WillReturnRows(rows)

	_, err := repo.GetPilotsByReferences(context.Background(), []string{"present", "zz", "aa"})
	require.ErrorIs(t, err, common.ErrorNotFound)

	var nf *common.PilotNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []string{"aa", "zz"}, nf.Refs)
}

func TestAddPilotCredentials_InputOrder(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	t3 := t1.Add(2 * time.Second)

	// rows come back in a different order than inserted
	rows := sqlmock.NewRows([]string{"pilot_id", "pilot_secret_creation_date"}).
		AddRow(int64(5), t2).
		AddRow(int64(9), t1).
		AddRow(int64(2), t3)
	mock.ExpectQuery(qInsertCreds).
		WithArgs(int64(9), "h9", int64(2), "h2", int64(5), "h5").
		WillReturnRows(rows)

	dates, err := repo.AddPilotCredentials(context.Background(), []int64{9, 2, 5}, []string{"h9", "h2", "h5"})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t1, t3, t2}, dates)
}

func TestAddPilotCredentials_LengthMismatch(t *testing.T) {
	repo, _, db := newRepoWithMock(t)
	defer db.Close()

	_, err := repo.AddPilotCredentials(context.Background(), []int64{1, 2}, []string{"h"})
	require.ErrorIs(t, err, common.ErrorValidation)
}

func TestAddPilotCredentials_ForeignKeyViolation(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qInsertCreds).
		WillReturnError(&pgconn.PgError{
			Code:   pgerrcode.ForeignKeyViolation,
			Detail: `Key (pilot_id)=(42) is not present in table "pilot_agents".`,
		})

	_, err := repo.AddPilotCredentials(context.Background(), []int64{1, 42}, []string{"a", "b"})

	var nf *common.PilotNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []int64{42}, nf.IDs)
}

func TestAddPilotCredentials_UniqueViolation(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qInsertCreds).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	_, err := repo.AddPilotCredentials(context.Background(), []int64{1}, []string{"a"})
	require.ErrorIs(t, err, common.ErrorAlreadyExists)

	var ce *common.CredentialAlreadyExistsError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []int64{1}, ce.IDs)
}

func TestSetCredentialsExpiration(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(qSetExpiry).
		WithArgs(int64(1), exp, int64(2), exp.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetCredentialsExpiration(context.Background(), []int64{1, 2}, []time.Time{exp, exp.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCredentialsExpiration_LengthMismatch(t *testing.T) {
	repo, _, db := newRepoWithMock(t)
	defer db.Close()

	err := repo.SetCredentialsExpiration(context.Background(), []int64{1}, nil)
	require.ErrorIs(t, err, common.ErrorValidation)
}

func TestVerifySecret_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(qSelectAgents).
		WithArgs("ref-1").
		WillReturnRows(sqlmock.NewRows(pilotColumns).AddRow(int64(11), "ref-1", "lhcb", "DIRAC", "", "Submitted", now, now))
	mock.ExpectQuery(qVerify).
		WithArgs(int64(11), "hash", now).
		WillReturnRows(sqlmock.NewRows([]string{"pilot_id"}).AddRow(int64(11)))
	mock.ExpectExec(qIncrement).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pilot, err := repo.VerifySecret(context.Background(), "ref-1", "hash", now)
	require.NoError(t, err)
	assert.Equal(t, "lhcb", pilot.VO)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySecret_UnknownReference(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qSelectAgents).WillReturnRows(sqlmock.NewRows(pilotColumns))

	_, err := repo.VerifySecret(context.Background(), "ghost", "hash", time.Now())
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestVerifySecret_WrongOrExpired(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(qSelectAgents).
		WillReturnRows(sqlmock.NewRows(pilotColumns).AddRow(int64(11), "ref-1", "vo", "DIRAC", "", "Submitted", now, now))
	mock.ExpectQuery(qVerify).WillReturnError(sql.ErrNoRows)

	_, err := repo.VerifySecret(context.Background(), "ref-1", "bad", now)
	require.ErrorIs(t, err, common.ErrorUnauthorized)
	assert.Equal(t, "bad pilot_id / pilot_secret or secret has expired", err.Error())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUseCount_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(qIncrement).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.IncrementUseCount(context.Background(), 5)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetCredential(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(qGetCred).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"pilot_id", "pilot_hashed_secret", "pilot_secret_use_count", "pilot_secret_creation_date", "pilot_secret_expiration_date"}).
			AddRow(int64(4), "h", int64(2), created, nil))

	c, err := repo.GetCredential(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.PilotSecretUseCount)
	assert.Nil(t, c.PilotSecretExpirationDate)
}

func TestGetCredential_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qGetCred).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetCredential(context.Background(), 4)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestAssociatePilotWithJobs(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(qInsertJobs+`,\s*\(\$3,\s*\$4\)$`).
		WithArgs(int64(1), int64(100), int64(1), int64(101)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.AssociatePilotWithJobs(context.Background(), 1, []int64{100, 101}))
}

func TestAssociatePilotWithJobs_UnknownPilot(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(qInsertJobs).WillReturnError(&pgconn.PgError{Code: pgerrcode.ForeignKeyViolation})

	err := repo.AssociatePilotWithJobs(context.Background(), 9, []int64{1})
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetPilotJobIDs(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(qSelectJobs).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(int64(3)).AddRow(int64(8)))

	ids, err := repo.GetPilotJobIDs(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 8}, ids)
}
