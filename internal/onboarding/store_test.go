package onboarding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"einvoice-portal/onboarding-backend/internal/analytics"
	"einvoice-portal/onboarding-backend/pkg/kvstore"
)

// MockRemote is a mock implementation of RemoteBackend
type MockRemote struct {
	mock.Mock
}

func (m *MockRemote) Fetch(ctx context.Context, user User) (*Progress, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Progress).Clone(), args.Error(1)
}

func (m *MockRemote) Update(ctx context.Context, user User, p *Progress) error {
	args := m.Called(ctx, user, p)
	return args.Error(0)
}

func (m *MockRemote) Complete(ctx context.Context, user User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockRemote) Reset(ctx context.Context, user User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

type recordingTracker struct {
	mu     sync.Mutex
	events []analytics.Event
}

func (r *recordingTracker) Track(e analytics.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingTracker) types() []analytics.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]analytics.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recordingTracker) last(typ analytics.EventType) (analytics.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return analytics.Event{}, false
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPublisher) Publish(userID, eventType string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, userID+":"+eventType)
}

var errUpstream = errors.New("upstream down")

type storeFixture struct {
	store    *Store
	primary  *MockRemote
	fallback *MockRemote
	local    LocalBackend
	tracker  *recordingTracker
	clock    time.Time
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	mem := kvstore.NewMemoryStore(0)
	t.Cleanup(func() { mem.Close() })

	f := &storeFixture{
		primary:  new(MockRemote),
		fallback: new(MockRemote),
		local:    NewLocalBackend(mem),
		tracker:  &recordingTracker{},
		clock:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.store = NewStore(f.primary, f.fallback, f.local, f.tracker, zap.NewNop())
	f.store.now = func() time.Time { return f.clock }
	return f
}

func (f *storeFixture) noRemoteState(user User) {
	f.primary.On("Fetch", mock.Anything, user).Return(nil, nil)
	f.fallback.On("Fetch", mock.Anything, user).Return(nil, nil)
}

func siUser() User {
	return User{ID: "user-1", Role: RoleSI, Token: "token"}
}

func TestStore_LoadSeedsWhenNothingStored(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)

	assert.Equal(t, StepServiceIntroduction, p.CurrentStep)
	assert.True(t, p.HasStarted)
	assert.False(t, p.IsComplete)
	assert.Empty(t, p.CompletedSteps)
	assert.Equal(t, "si", p.Metadata.ServicePackage)
	require.NotNil(t, p.Metadata.StartTime)

	cached, err := f.local.LoadProgress(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, StepServiceIntroduction, cached.CurrentStep)

	assert.Contains(t, f.tracker.types(), analytics.EventSessionStart)
	f.primary.AssertExpectations(t)
	f.fallback.AssertExpectations(t)
}

func TestStore_LoadSeedsLocallyWhenRemotesDown(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.primary.On("Fetch", mock.Anything, user).Return(nil, errUpstream)
	f.fallback.On("Fetch", mock.Anything, user).Return(nil, errUpstream)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(errUpstream)
	f.fallback.On("Update", mock.Anything, user, mock.Anything).Return(errUpstream)

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, StepServiceIntroduction, p.CurrentStep)

	cached, _ := f.local.LoadProgress(context.Background(), user.ID)
	assert.NotNil(t, cached)
	f.primary.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
	f.fallback.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestStore_LoadReadsFallbackWhenPrimaryHasNoState(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	legacy := &Progress{
		CurrentStep:    StepBankingConnections,
		CompletedSteps: NewStepSet(StepServiceIntroduction, StepIntegrationChoice, StepBusinessSystemsSetup, StepFinancialSystemsSetup),
		HasStarted:     true,
		LastActiveDate: f.clock.Add(-time.Hour),
	}
	f.primary.On("Fetch", mock.Anything, user).Return(nil, nil)
	f.fallback.On("Fetch", mock.Anything, user).Return(legacy, nil)

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, StepBankingConnections, p.CurrentStep)
	assert.Len(t, p.CompletedSteps, 4)
	assert.NotContains(t, f.tracker.types(), analytics.EventSessionStart)
	f.primary.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
	f.fallback.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestStore_LoadDoesNotPushSeedWhenFallbackUnreachable(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.primary.On("Fetch", mock.Anything, user).Return(nil, nil)
	f.fallback.On("Fetch", mock.Anything, user).Return(nil, errUpstream)

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, StepServiceIntroduction, p.CurrentStep)
	f.primary.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
	f.fallback.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestStore_LoadUsesFallbackRemote(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	remote := &Progress{
		CurrentStep:    StepBusinessSystemsSetup,
		CompletedSteps: NewStepSet(StepServiceIntroduction, StepIntegrationChoice),
		HasStarted:     true,
		LastActiveDate: f.clock.Add(-time.Hour),
	}
	f.primary.On("Fetch", mock.Anything, user).Return(nil, errUpstream)
	f.fallback.On("Fetch", mock.Anything, user).Return(remote, nil)

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, StepBusinessSystemsSetup, p.CurrentStep)
	assert.Equal(t, user.ID, p.UserID)
	assert.Equal(t, RoleSI, p.Role)

	cached, _ := f.local.LoadProgress(context.Background(), user.ID)
	require.NotNil(t, cached)
	assert.Equal(t, StepBusinessSystemsSetup, cached.CurrentStep)
}

func TestStore_LoadFallsBackToLocalCache(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	local := &Progress{
		UserID:         user.ID,
		Role:           RoleSI,
		CurrentStep:    StepIntegrationChoice,
		CompletedSteps: NewStepSet(StepServiceIntroduction),
		HasStarted:     true,
		LastActiveDate: f.clock.Add(-time.Hour),
	}
	require.NoError(t, f.local.SaveProgress(context.Background(), local))
	f.primary.On("Fetch", mock.Anything, user).Return(nil, errUpstream)
	f.fallback.On("Fetch", mock.Anything, user).Return(nil, errUpstream)

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, StepIntegrationChoice, p.CurrentStep)
	f.primary.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestStore_LoadPrefersNewerLocalCopy(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	remote := &Progress{
		CurrentStep:    StepIntegrationChoice,
		CompletedSteps: NewStepSet(StepServiceIntroduction),
		HasStarted:     true,
		LastActiveDate: f.clock.Add(-2 * time.Hour),
	}
	local := &Progress{
		UserID:         user.ID,
		Role:           RoleSI,
		CurrentStep:    StepBusinessSystemsSetup,
		CompletedSteps: NewStepSet(StepServiceIntroduction, StepIntegrationChoice),
		HasStarted:     true,
		LastActiveDate: f.clock.Add(-time.Hour),
	}
	require.NoError(t, f.local.SaveProgress(context.Background(), local))
	f.primary.On("Fetch", mock.Anything, user).Return(remote, nil)
	f.primary.On("Update", mock.Anything, user, mock.MatchedBy(func(p *Progress) bool {
		return p.CurrentStep == StepBusinessSystemsSetup
	})).Return(nil).Once()

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, StepBusinessSystemsSetup, p.CurrentStep)
	f.primary.AssertExpectations(t)
}

func TestStore_LoadRemoteWinsOnTie(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	at := f.clock.Add(-time.Hour)
	remote := &Progress{CurrentStep: StepIntegrationChoice, CompletedSteps: NewStepSet(StepServiceIntroduction), HasStarted: true, LastActiveDate: at}
	local := &Progress{UserID: user.ID, Role: RoleSI, CurrentStep: StepServiceIntroduction, CompletedSteps: NewStepSet(), HasStarted: true, LastActiveDate: at}
	require.NoError(t, f.local.SaveProgress(context.Background(), local))
	f.primary.On("Fetch", mock.Anything, user).Return(remote, nil)

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, StepIntegrationChoice, p.CurrentStep)

	cached, _ := f.local.LoadProgress(context.Background(), user.ID)
	assert.Equal(t, StepIntegrationChoice, cached.CurrentStep)
}

func TestStore_LoadNormalizesStoredState(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	remote := &Progress{
		CurrentStep:    "legacy_step",
		CompletedSteps: NewStepSet(StepServiceIntroduction, "legacy_step"),
		LastActiveDate: f.clock,
	}
	f.primary.On("Fetch", mock.Anything, user).Return(remote, nil)

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, StepIntegrationChoice, p.CurrentStep)
	assert.Equal(t, []StepID{StepServiceIntroduction}, p.CompletedSteps.Slice())
	assert.True(t, p.HasStarted)
}

func TestStore_LoadDiscardsOtherRoleLocalState(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	require.NoError(t, f.local.SaveProgress(context.Background(), &Progress{
		UserID:         user.ID,
		Role:           RoleAPP,
		CurrentStep:    StepComplianceSettings,
		CompletedSteps: NewStepSet(StepServiceIntroduction),
		LastActiveDate: f.clock,
	}))
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)

	p, err := f.store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, RoleSI, p.Role)
	assert.Equal(t, StepServiceIntroduction, p.CurrentStep)
}

func TestStore_LoadRejectsInvalidUser(t *testing.T) {
	f := newStoreFixture(t)

	_, err := f.store.Load(context.Background(), User{Role: RoleSI})
	assert.ErrorIs(t, err, ErrUserRequired)

	_, err = f.store.Load(context.Background(), User{ID: "u", Role: "partner"})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestStore_UpdateStepIsIdempotent(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)

	first, err := f.store.UpdateStep(context.Background(), user, StepServiceIntroduction, true)
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Minute)
	second, err := f.store.UpdateStep(context.Background(), user, StepServiceIntroduction, true)
	require.NoError(t, err)

	assert.Equal(t, first.CompletedSteps.Slice(), second.CompletedSteps.Slice())
	assert.Len(t, second.CompletedSteps, 1)
	assert.True(t, second.LastActiveDate.After(first.LastActiveDate))
}

func TestStore_UpdateStepNeverShrinksCompletedSet(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)

	_, err := f.store.UpdateStep(context.Background(), user, StepServiceIntroduction, true)
	require.NoError(t, err)
	p, err := f.store.UpdateStep(context.Background(), user, StepIntegrationChoice, false)
	require.NoError(t, err)

	assert.Equal(t, StepIntegrationChoice, p.CurrentStep)
	assert.True(t, p.CompletedSteps.Has(StepServiceIntroduction))
	assert.False(t, p.CompletedSteps.Has(StepIntegrationChoice))
}

func TestStore_UpdateStepUsesFallbackOnce(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil).Once()
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(errUpstream).Once()
	f.fallback.On("Update", mock.Anything, user, mock.Anything).Return(nil).Once()

	p, err := f.store.UpdateStep(context.Background(), user, StepServiceIntroduction, true)
	require.NoError(t, err)
	assert.True(t, p.CompletedSteps.Has(StepServiceIntroduction))
	f.fallback.AssertNumberOfCalls(t, "Update", 1)
}

func TestStore_UpdateStepSyncFailureKeepsLocalState(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil).Once()
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(errUpstream)
	f.fallback.On("Update", mock.Anything, user, mock.Anything).Return(errUpstream)

	publisher := &recordingPublisher{}
	f.store.SetPublisher(publisher)

	p, err := f.store.UpdateStep(context.Background(), user, StepServiceIntroduction, true)
	require.Error(t, err)
	assert.True(t, IsSyncError(err))
	assert.ErrorIs(t, err, errUpstream)
	require.NotNil(t, p)
	assert.True(t, p.CompletedSteps.Has(StepServiceIntroduction))

	cached, _ := f.local.LoadProgress(context.Background(), user.ID)
	assert.True(t, cached.CompletedSteps.Has(StepServiceIntroduction))

	e, ok := f.tracker.last(analytics.EventStepError)
	require.True(t, ok)
	assert.Equal(t, "service_introduction", e.StepID)
	assert.Equal(t, []string{"user-1:" + EventProgressChanged}, publisher.calls)
}

func TestStore_UpdateStepRejectsUnknownStep(t *testing.T) {
	f := newStoreFixture(t)

	_, err := f.store.UpdateStep(context.Background(), siUser(), StepFIRSIntegrationSetup, true)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestStore_CompleteStepRecordsDuration(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)

	_, err := f.store.StartStep(context.Background(), user, StepIntegrationChoice)
	require.NoError(t, err)
	f.clock = f.clock.Add(90 * time.Second)

	p, err := f.store.CompleteStep(context.Background(), user, StepIntegrationChoice, map[string]interface{}{"erp": "odoo"})
	require.NoError(t, err)

	assert.True(t, p.CompletedSteps.Has(StepIntegrationChoice))
	assert.Equal(t, f.clock, p.Metadata.StepCompletions[StepIntegrationChoice])
	assert.Equal(t, 90.0, p.Metadata.StepDurations[StepIntegrationChoice])
	assert.Equal(t, "odoo", p.Metadata.Extra["erp"])

	e, ok := f.tracker.last(analytics.EventStepComplete)
	require.True(t, ok)
	assert.Equal(t, 90.0, e.DurationSeconds)
	assert.Equal(t, "odoo", e.Metadata["erp"])
	assert.Contains(t, f.tracker.types(), analytics.EventStepStart)
}

func TestStore_CompleteStepWithoutStartHasZeroDuration(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)

	p, err := f.store.CompleteStep(context.Background(), user, StepServiceIntroduction, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Metadata.StepDurations[StepServiceIntroduction])

	e, _ := f.tracker.last(analytics.EventStepComplete)
	assert.Equal(t, 0.0, e.DurationSeconds)
}

func TestStore_SkipStep(t *testing.T) {
	f := newStoreFixture(t)
	user := User{ID: "user-2", Role: RoleAPP}
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)

	_, err := f.store.SkipStep(context.Background(), user, StepComplianceSettings)
	assert.ErrorIs(t, err, ErrStepNotOptional)

	for _, s := range []StepID{StepServiceIntroduction, StepBusinessVerification, StepFIRSIntegrationSetup, StepComplianceSettings} {
		_, err := f.store.UpdateStep(context.Background(), user, s, true)
		require.NoError(t, err)
	}

	p, err := f.store.SkipStep(context.Background(), user, StepTaxpayerSetup)
	require.NoError(t, err)
	assert.True(t, p.CompletedSteps.Has(StepTaxpayerSetup))
	assert.Contains(t, p.Metadata.SkippedSteps, StepTaxpayerSetup)
	assert.Equal(t, StepOnboardingComplete, p.CurrentStep)
	assert.Contains(t, f.tracker.types(), analytics.EventStepSkip)
}

func TestStore_MarkComplete(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)
	f.primary.On("Complete", mock.Anything, user).Return(errUpstream)
	f.fallback.On("Complete", mock.Anything, user).Return(nil)

	p, err := f.store.MarkComplete(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, p.IsComplete)
	assert.Equal(t, TerminalStep, p.CurrentStep)
	assert.True(t, p.CompletedSteps.Has(TerminalStep))
	assert.Contains(t, f.tracker.types(), analytics.EventSessionComplete)
	f.fallback.AssertExpectations(t)
}

func TestStore_MarkCompleteSyncFailure(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)
	f.primary.On("Complete", mock.Anything, user).Return(errUpstream)
	f.fallback.On("Complete", mock.Anything, user).Return(errUpstream)

	p, err := f.store.MarkComplete(context.Background(), user)
	assert.True(t, IsSyncError(err))
	require.NotNil(t, p)
	assert.True(t, p.IsComplete)
}

func TestStore_Reset(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	ctx := context.Background()
	f.noRemoteState(user)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)
	f.primary.On("Reset", mock.Anything, user).Return(nil)

	_, err := f.store.UpdateStep(ctx, user, StepServiceIntroduction, true)
	require.NoError(t, err)
	last := f.clock
	require.NoError(t, f.local.SaveResumeState(ctx, user.ID, &ResumeSessionState{ResumeAttempts: 2, LastPromptTime: &last}))

	p, err := f.store.Reset(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, p.CompletedSteps)
	assert.Equal(t, StepServiceIntroduction, p.CurrentStep)

	state, err := f.local.LoadResumeState(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_ResetWithRemoteFailureReseedsWithoutFetch(t *testing.T) {
	f := newStoreFixture(t)
	user := siUser()
	ctx := context.Background()
	stale := &Progress{CurrentStep: StepBankingConnections, CompletedSteps: NewStepSet(StepServiceIntroduction), LastActiveDate: f.clock}
	f.primary.On("Reset", mock.Anything, user).Return(errUpstream)
	f.fallback.On("Reset", mock.Anything, user).Return(errUpstream)
	f.primary.On("Update", mock.Anything, user, mock.Anything).Return(nil)
	f.primary.On("Fetch", mock.Anything, user).Return(stale, nil)

	p, err := f.store.Reset(ctx, user)
	assert.True(t, IsSyncError(err))
	require.NotNil(t, p)
	assert.Equal(t, StepServiceIntroduction, p.CurrentStep)
	f.primary.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestStore_LocalRoundTripWithoutRemote(t *testing.T) {
	mem := kvstore.NewMemoryStore(0)
	defer mem.Close()
	local := NewLocalBackend(mem)
	store := NewStore(nil, nil, local, nil, zap.NewNop())
	user := User{ID: "user-3", Role: RoleHybrid}
	now := time.Now().UTC().Truncate(time.Second)

	original := &Progress{
		UserID:         user.ID,
		Role:           RoleHybrid,
		CurrentStep:    StepIntegrationChoice,
		CompletedSteps: NewStepSet(StepServiceIntroduction, StepServiceSelection),
		HasStarted:     true,
		LastActiveDate: now,
	}
	require.NoError(t, local.SaveProgress(context.Background(), original))

	loaded, err := store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, original.CurrentStep, loaded.CurrentStep)
	assert.Equal(t, original.CompletedSteps, loaded.CompletedSteps)
	assert.Equal(t, original.IsComplete, loaded.IsComplete)
	assert.True(t, original.LastActiveDate.Equal(loaded.LastActiveDate))
}

func TestStore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	mem := kvstore.NewMemoryStore(0)
	defer mem.Close()
	store := NewStore(nil, nil, NewLocalBackend(mem), nil, zap.NewNop())
	user := siUser()

	steps := []StepID{StepServiceIntroduction, StepIntegrationChoice, StepBusinessSystemsSetup, StepFinancialSystemsSetup}
	var wg sync.WaitGroup
	for _, s := range steps {
		wg.Add(1)
		go func(step StepID) {
			defer wg.Done()
			_, err := store.UpdateStep(context.Background(), user, step, true)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	p, err := store.Load(context.Background(), user)
	require.NoError(t, err)
	assert.Len(t, p.CompletedSteps, len(steps))
}

// slowResumeLocal widens the gap between reading and writing resume state.
type slowResumeLocal struct {
	LocalBackend
}

func (l slowResumeLocal) LoadResumeState(ctx context.Context, userID string) (*ResumeSessionState, error) {
	state, err := l.LocalBackend.LoadResumeState(ctx, userID)
	time.Sleep(20 * time.Millisecond)
	return state, err
}

func TestService_ConcurrentResumeAcceptsAreCounted(t *testing.T) {
	mem := kvstore.NewMemoryStore(0)
	defer mem.Close()
	local := slowResumeLocal{NewLocalBackend(mem)}
	store := NewStore(nil, nil, local, nil, zap.NewNop())
	service := NewService(store, local, NewResumeDetector(DefaultResumeConfig()), nil, zap.NewNop())
	user := siUser()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.AcceptResume(context.Background(), user)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := local.LoadResumeState(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 2, state.ResumeAttempts)

	next, err := service.DismissResume(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 2, next.ResumeAttempts)
	assert.True(t, next.UserDismissedResume)
}
