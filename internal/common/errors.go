// Package common defines shared constants and errors used across the
// pilotauth server and client. Callers should use errors.Is / errors.As to
// match these values; the structured error types all unwrap to one of the
// sentinels below.
package common

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("bad pilot_id / pilot_secret or secret has expired")
	ErrorValidation   = errors.New("validation error")

	// ErrorInvalidState signals that the store broke one of its own
	// invariants (e.g. duplicate rows behind a unique key).
	ErrorInvalidState = errors.New("database in invalid state")

	// Login boundary: unknown reference and wrong/expired secret collapse here.
	ErrBadPilotCredentials = errors.New("bad pilot_id / pilot_secret")
	ErrTooManyAttempts     = errors.New("too many failed login attempts")

	// Token errors.
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidCredentials = errors.New("invalid refresh token")
)

// PilotNotFoundError reports the exact set of references or ids that could
// not be resolved. Refs and IDs are sorted and de-duplicated.
type PilotNotFoundError struct {
	Refs []string
	IDs  []int64
}

// NewPilotRefsNotFound builds a PilotNotFoundError from missing references.
func NewPilotRefsNotFound(refs []string) *PilotNotFoundError {
	return &PilotNotFoundError{Refs: SortedUnique(refs)}
}

// NewPilotIDsNotFound builds a PilotNotFoundError from missing pilot ids.
func NewPilotIDsNotFound(ids []int64) *PilotNotFoundError {
	return &PilotNotFoundError{IDs: sortedUniqueIDs(ids)}
}

func (e *PilotNotFoundError) Error() string {
	if len(e.IDs) > 0 {
		return fmt.Sprintf("pilot (ID: %s) not found", formatIDs(e.IDs))
	}
	return fmt.Sprintf("pilot (Ref: %s) not found", formatRefs(e.Refs))
}

func (e *PilotNotFoundError) Is(target error) bool { return target == ErrorNotFound }

// PilotAlreadyExistsError names exactly the references that already exist,
// so the caller can retry with the remaining subset.
type PilotAlreadyExistsError struct {
	Refs []string
}

func NewPilotAlreadyExists(refs []string) *PilotAlreadyExistsError {
	return &PilotAlreadyExistsError{Refs: SortedUnique(refs)}
}

func (e *PilotAlreadyExistsError) Error() string {
	return fmt.Sprintf("pilot (Ref: %s) already exists", formatRefs(e.Refs))
}

func (e *PilotAlreadyExistsError) Is(target error) bool { return target == ErrorAlreadyExists }

// CredentialAlreadyExistsError is returned when at least one of the pilots
// in a batch already owns a credential row.
type CredentialAlreadyExistsError struct {
	IDs []int64
}

func (e *CredentialAlreadyExistsError) Error() string {
	return fmt.Sprintf("at least one of these pilots already has a secret (ID: %s)", formatIDs(e.IDs))
}

func (e *CredentialAlreadyExistsError) Is(target error) bool { return target == ErrorAlreadyExists }

// InvalidStateError is fatal: it must be surfaced, never swallowed.
type InvalidStateError struct {
	Table  string
	Detail string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("table %s has been found in a corrupted state: %s", e.Table, e.Detail)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrorInvalidState }

// SortedUnique returns a sorted copy of refs without duplicates.
func SortedUnique(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func sortedUniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func formatRefs(refs []string) string {
	quoted := make([]string, len(refs))
	for i, r := range refs {
		quoted[i] = strconv.Quote(r)
	}
	return "{" + strings.Join(quoted, ", ") + "}"
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
