package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/diracgrid/pilotauth/internal/common"
	"github.com/diracgrid/pilotauth/internal/dbx"
	"github.com/diracgrid/pilotauth/internal/logging"
	"github.com/diracgrid/pilotauth/internal/server/config"
	"github.com/diracgrid/pilotauth/internal/server/models"
	"github.com/diracgrid/pilotauth/internal/server/repositories/pilots"
	"github.com/diracgrid/pilotauth/internal/server/repositories/refreshtokens"
	"github.com/diracgrid/pilotauth/internal/server/secrets"
	"github.com/diracgrid/pilotauth/internal/server/throttle"
)

// --- clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- in-memory store shared by the fake repositories ---

type memStore struct {
	mu     sync.Mutex
	clock  *fakeClock
	nextID int64
	pilots map[string]*models.PilotIdentity
	creds  map[int64]*models.PilotCredential
	jobs   map[int64][]int64
	tokens map[string]*models.RefreshToken

	verifyErr error
}

func newMemStore(clock *fakeClock) *memStore {
	return &memStore{
		clock:  clock,
		pilots: map[string]*models.PilotIdentity{},
		creds:  map[int64]*models.PilotCredential{},
		jobs:   map[int64][]int64{},
		tokens: map[string]*models.RefreshToken{},
	}
}

func (s *memStore) byID(id int64) *models.PilotIdentity {
	for _, p := range s.pilots {
		if p.PilotID == id {
			return p
		}
	}
	return nil
}

func (s *memStore) useCount(ref string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pilots[ref]
	if p == nil || s.creds[p.PilotID] == nil {
		return -1
	}
	return s.creds[p.PilotID].PilotSecretUseCount
}

type memPilots struct{ s *memStore }

func (r *memPilots) AddPilotReferences(ctx context.Context, refs []string, vo, gridType string, stamps map[string]string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, ref := range refs {
		if _, ok := r.s.pilots[ref]; ok {
			return common.NewPilotAlreadyExists([]string{ref})
		}
	}
	now := r.s.clock.Now()
	for _, ref := range refs {
		r.s.nextID++
		r.s.pilots[ref] = &models.PilotIdentity{
			PilotID:           r.s.nextID,
			PilotJobReference: ref,
			VO:                vo,
			GridType:          gridType,
			PilotStamp:        stamps[ref],
			Status:            models.PilotStatusSubmitted,
			SubmissionTime:    now,
			LastUpdateTime:    now,
		}
	}
	return nil
}

func (r *memPilots) LookupPilotsByReferences(ctx context.Context, refs []string) (*models.PilotLookup, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	lookup := &models.PilotLookup{Found: []models.PilotIdentity{}, Missing: []string{}}
	for _, ref := range common.SortedUnique(refs) {
		if p, ok := r.s.pilots[ref]; ok {
			lookup.Found = append(lookup.Found, *p)
		} else {
			lookup.Missing = append(lookup.Missing, ref)
		}
	}
	sort.Slice(lookup.Found, func(i, j int) bool { return lookup.Found[i].PilotID < lookup.Found[j].PilotID })
	return lookup, nil
}

func (r *memPilots) GetPilotsByReferences(ctx context.Context, refs []string) ([]models.PilotIdentity, error) {
	lookup, err := r.LookupPilotsByReferences(ctx, refs)
	if err != nil {
		return nil, err
	}
	if len(lookup.Missing) > 0 {
		return nil, common.NewPilotRefsNotFound(lookup.Missing)
	}
	return lookup.Found, nil
}

func (r *memPilots) AddPilotCredentials(ctx context.Context, ids []int64, hashes []string) ([]time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if len(ids) != len(hashes) {
		return nil, common.ErrorValidation
	}
	var missing []int64
	for _, id := range ids {
		if r.s.byID(id) == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, common.NewPilotIDsNotFound(missing)
	}
	for _, id := range ids {
		if _, ok := r.s.creds[id]; ok {
			return nil, &common.CredentialAlreadyExistsError{IDs: ids}
		}
	}

	dates := make([]time.Time, len(ids))
	for i, id := range ids {
		// distinct creation dates make misaligned expirations visible
		created := r.s.clock.Now().Add(time.Duration(id) * time.Millisecond)
		r.s.creds[id] = &models.PilotCredential{PilotID: id, PilotHashedSecret: hashes[i], PilotSecretCreationDate: created}
		dates[i] = created
	}
	return dates, nil
}

func (r *memPilots) SetCredentialsExpiration(ctx context.Context, ids []int64, dates []time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if len(ids) != len(dates) {
		return common.ErrorValidation
	}
	for i, id := range ids {
		if c, ok := r.s.creds[id]; ok {
			d := dates[i]
			c.PilotSecretExpirationDate = &d
		}
	}
	return nil
}

func (r *memPilots) GetCredential(ctx context.Context, pilotID int64) (*models.PilotCredential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.creds[pilotID]
	if !ok {
		return nil, common.NewPilotIDsNotFound([]int64{pilotID})
	}
	cp := *c
	return &cp, nil
}

func (r *memPilots) VerifySecret(ctx context.Context, ref, hashedSecret string, now time.Time) (*models.PilotIdentity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.verifyErr != nil {
		return nil, r.s.verifyErr
	}
	p, ok := r.s.pilots[ref]
	if !ok {
		return nil, common.NewPilotRefsNotFound([]string{ref})
	}
	c, ok := r.s.creds[p.PilotID]
	if !ok || c.PilotHashedSecret != hashedSecret || c.PilotSecretExpirationDate == nil || !c.PilotSecretExpirationDate.After(now) {
		return nil, common.ErrorUnauthorized
	}
	c.PilotSecretUseCount++
	cp := *p
	return &cp, nil
}

func (r *memPilots) IncrementUseCount(ctx context.Context, pilotID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.creds[pilotID]
	if !ok {
		return common.NewPilotIDsNotFound([]int64{pilotID})
	}
	c.PilotSecretUseCount++
	return nil
}

func (r *memPilots) AssociatePilotWithJobs(ctx context.Context, pilotID int64, jobIDs []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.byID(pilotID) == nil {
		return common.NewPilotIDsNotFound([]int64{pilotID})
	}
	r.s.jobs[pilotID] = append(r.s.jobs[pilotID], jobIDs...)
	return nil
}

func (r *memPilots) GetPilotJobIDs(ctx context.Context, pilotID int64) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ids := append([]int64{}, r.s.jobs[pilotID]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type memTokens struct{ s *memStore }

func (r *memTokens) Create(ctx context.Context, token *models.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *token
	r.s.tokens[token.JTI] = &cp
	return nil
}

func (r *memTokens) Delete(ctx context.Context, jti string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tokens[jti]; !ok {
		return common.ErrorNotFound
	}
	delete(r.s.tokens, jti)
	return nil
}

func (r *memTokens) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for jti, t := range r.s.tokens {
		if !t.ExpiresAt.After(now) {
			delete(r.s.tokens, jti)
			n++
		}
	}
	return n, nil
}

type memManager struct{ s *memStore }

func (m *memManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *memManager) Pilots(dbx.DBTX) pilots.Repository         { return &memPilots{s: m.s} }
func (m *memManager) RefreshTokens(dbx.DBTX) refreshtokens.Repository {
	return &memTokens{s: m.s}
}

// --- harness ---

type harness struct {
	clock  *fakeClock
	store  *memStore
	cfg    *config.Config
	pilots *PilotService
	auth   *PilotAuthService
	tokens *TokenIssuer
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.SecretKey = "test-secret"
	cfg.TokenIssuer = "https://pilotauth.test"
	cfg.AccessTokenValidityDuration = 20 * time.Minute
	cfg.RefreshTokenValidityDuration = time.Hour
	cfg.PilotSecretValidityDuration = 10 * time.Minute
	return cfg
}

// newTxDB returns a real *sql.DB so dbx.WithTx can begin and commit; the fake
// repositories ignore the handle they are bound to.
func newTxDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newHarness(t *testing.T, limiter throttle.Limiter) *harness {
	t.Helper()

	clock := newFakeClock()
	store := newMemStore(clock)
	rm := &memManager{s: store}
	cfg := testConfig()
	db := newTxDB(t)
	log := logging.Nop()

	tokens := NewTokenIssuer(db, rm, cfg)
	tokens.now = clock.Now

	authSvc := NewPilotAuthService(db, rm, secrets.SHA256Hasher{}, tokens, limiter, log, nil)
	authSvc.now = clock.Now

	return &harness{
		clock:  clock,
		store:  store,
		cfg:    cfg,
		pilots: NewPilotService(db, rm, secrets.SHA256Hasher{}, cfg, log, nil),
		auth:   authSvc,
		tokens: tokens,
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
