package pilots

import (
	"errors"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// keyDetailRe extracts the offending value from constraint violation details
// such as `Key (pilot_job_reference)=(ref-1) already exists.`
var keyDetailRe = regexp.MustCompile(`Key \([^)]*\)=\((.*)\)`)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgerrcode.UniqueViolation
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == pgerrcode.ForeignKeyViolation
}

// violatingKey returns the key value reported by Postgres, if any.
func violatingKey(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	m := keyDetailRe.FindStringSubmatch(pgErr.Detail)
	if m == nil {
		return "", false
	}
	return m[1], true
}
