package identitysync

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/storefront_backend/models"
	"github.com/sirupsen/logrus"
)

// fakeStore is an in-memory RecordStore. It enforces the sparse-unique
// external id the same way the MySQL index does, so create races surface as
// ErrConflict here too.
type fakeStore struct {
	mu     sync.Mutex
	nextId int
	users  map[int]models.User
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[int]models.User{}}
}

func (f *fakeStore) seed(user models.User) *models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.ID == 0 {
		f.nextId++
		user.ID = f.nextId
	} else if user.ID > f.nextId {
		f.nextId = user.ID
	}
	f.users[user.ID] = user
	stored := f.users[user.ID]
	return &stored
}

func (f *fakeStore) Get(ctx context.Context, id int) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (f *fakeStore) FindByExternalId(ctx context.Context, externalId string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.ExternalId != nil && *user.ExternalId == externalId {
			u := user
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			u := user
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindByEmailFold(ctx context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			u := user
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) sorted() []models.User {
	out := make([]models.User, 0, len(f.users))
	for _, user := range f.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeStore) List(ctx context.Context, offset int, limit int) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.sorted()
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeStore) ListLinked(ctx context.Context, afterId int, limit int) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.User
	for _, user := range f.sorted() {
		if user.ExternalId == nil || user.ID <= afterId {
			continue
		}
		out = append(out, user)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ListPending(ctx context.Context) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.User
	for _, user := range f.sorted() {
		if user.SyncStatus == models.SyncStatusSynced {
			continue
		}
		out = append(out, user)
	}
	return out, nil
}

func (f *fakeStore) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.users)), nil
}

func (f *fakeStore) CountByStatus(ctx context.Context, status models.SyncStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, user := range f.users {
		if user.SyncStatus == status {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountLinked(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, user := range f.users {
		if user.ExternalId != nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Create(ctx context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if user.ExternalId != nil && existing.ExternalId != nil && *existing.ExternalId == *user.ExternalId {
			return fmt.Errorf("%w: external id %q", ErrConflict, *user.ExternalId)
		}
		if existing.Email == user.Email {
			return fmt.Errorf("%w: email %q", ErrConflict, user.Email)
		}
	}
	f.nextId++
	user.ID = f.nextId
	f.users[user.ID] = *user
	return nil
}

func (f *fakeStore) Save(ctx context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = *user
	return nil
}

// fakeRunStore mirrors the persisted run lifecycle, including the
// success/partial/failed resolution on finish.
type fakeRunStore struct {
	mu     sync.Mutex
	nextId uint
	runs   map[uint]models.IdentitySyncRun
	errors []models.IdentitySyncError
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[uint]models.IdentitySyncRun{}}
}

func (f *fakeRunStore) BeginRun(ctx context.Context, direction string, triggeredBy string, batchSize int, parentRunId *uint) (*models.IdentitySyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	now := time.Now()
	run := models.IdentitySyncRun{
		ID:          f.nextId,
		Direction:   direction,
		Status:      models.SyncRunStatusRunning,
		TriggeredBy: triggeredBy,
		BatchSize:   batchSize,
		ParentRunId: parentRunId,
		StartedAt:   &now,
	}
	f.runs[run.ID] = run
	return &run, nil
}

func (f *fakeRunStore) FinishRun(ctx context.Context, run *models.IdentitySyncRun, total int, synced int, errorCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	run.Total = total
	run.RecordsSynced = synced
	run.ErrorCount = errorCount
	run.FinishedAt = &now
	switch {
	case errorCount == 0:
		run.Status = models.SyncRunStatusSuccess
	case synced > 0:
		run.Status = models.SyncRunStatusPartial
	default:
		run.Status = models.SyncRunStatusFailed
	}
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeRunStore) RecordItemError(ctx context.Context, runId uint, recordId int, externalId string, code string, message string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, models.IdentitySyncError{
		SyncRunId:  runId,
		RecordId:   recordId,
		ExternalId: externalId,
		ErrorCode:  code,
		Message:    message,
		Retryable:  retryable,
	})
	return nil
}

func (f *fakeRunStore) ListRuns(ctx context.Context, limit int) ([]models.IdentitySyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.IdentitySyncRun
	for _, run := range f.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRunStore) GetRun(ctx context.Context, id uint) (*models.IdentitySyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (f *fakeRunStore) ListRunErrors(ctx context.Context, runId uint) ([]models.IdentitySyncError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.IdentitySyncError
	for _, e := range f.errors {
		if e.SyncRunId == runId {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeProvider is an in-memory Provider with switchable failure modes.
type fakeProvider struct {
	mu         sync.Mutex
	nextId     int
	identities map[string]ExternalIdentity
	claims     map[string]map[string]any

	unconfigured bool
	unavailable  bool
	// createFailsFor fails CreateIdentity for a specific email.
	createFailsFor string
	// getFailsFor fails GetIdentity for a specific external id.
	getFailsFor string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		identities: map[string]ExternalIdentity{},
		claims:     map[string]map[string]any{},
	}
}

func (f *fakeProvider) seed(ext ExternalIdentity) ExternalIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ext.ExternalId == "" {
		f.nextId++
		ext.ExternalId = fmt.Sprintf("ext-%d", f.nextId)
	}
	f.identities[ext.ExternalId] = ext
	return ext
}

func (f *fakeProvider) gate() error {
	if f.unconfigured {
		return ErrUnconfigured
	}
	if f.unavailable {
		return ErrProviderUnavailable
	}
	return nil
}

func (f *fakeProvider) GetIdentity(ctx context.Context, externalId string) (*ExternalIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	if f.getFailsFor != "" && externalId == f.getFailsFor {
		return nil, fmt.Errorf("%w: get rejected", ErrProviderUnavailable)
	}
	ext, ok := f.identities[externalId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, externalId)
	}
	return &ext, nil
}

func (f *fakeProvider) CreateIdentity(ctx context.Context, fields IdentityFields) (*ExternalIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	if f.createFailsFor != "" && fields.Email == f.createFailsFor {
		return nil, fmt.Errorf("%w: create rejected", ErrProviderUnavailable)
	}
	f.nextId++
	ext := ExternalIdentity{
		ExternalId:    fmt.Sprintf("ext-%d", f.nextId),
		Email:         fields.Email,
		DisplayName:   fields.DisplayName,
		PhoneNumber:   fields.PhoneNumber,
		EmailVerified: fields.EmailVerified,
		Disabled:      fields.Disabled,
		CreatedAt:     time.Now(),
	}
	f.identities[ext.ExternalId] = ext
	return &ext, nil
}

func (f *fakeProvider) UpdateIdentity(ctx context.Context, externalId string, fields IdentityFields) (*ExternalIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, err
	}
	ext, ok := f.identities[externalId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, externalId)
	}
	ext.Email = fields.Email
	ext.DisplayName = fields.DisplayName
	ext.PhoneNumber = fields.PhoneNumber
	ext.EmailVerified = fields.EmailVerified
	ext.Disabled = fields.Disabled
	f.identities[externalId] = ext
	return &ext, nil
}

func (f *fakeProvider) DeleteIdentity(ctx context.Context, externalId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	if _, ok := f.identities[externalId]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, externalId)
	}
	delete(f.identities, externalId)
	return nil
}

func (f *fakeProvider) ListIdentities(ctx context.Context, pageToken string, pageSize int) ([]ExternalIdentity, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return nil, "", err
	}
	keys := make([]string, 0, len(f.identities))
	for k := range f.identities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if pageToken != "" {
		for i, k := range keys {
			if k == pageToken {
				start = i
				break
			}
		}
	}
	end := start + pageSize
	nextToken := ""
	if end < len(keys) {
		nextToken = keys[end]
	} else {
		end = len(keys)
	}
	out := make([]ExternalIdentity, 0, end-start)
	for _, k := range keys[start:end] {
		out = append(out, f.identities[k])
	}
	return out, nextToken, nil
}

func (f *fakeProvider) SetCustomClaims(ctx context.Context, externalId string, claims CustomClaims) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(); err != nil {
		return err
	}
	if _, ok := f.identities[externalId]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, externalId)
	}
	f.claims[externalId] = claims.Flatten()
	return nil
}

func (f *fakeProvider) Healthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gate() == nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestService(store RecordStore, runs RunStore, provider Provider) *Service {
	return NewService(store, runs, provider, testLogger())
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
