package onboarding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"einvoice-portal/onboarding-backend/internal/analytics"
)

// ProgressRepository is the persistence contract used by the service layer.
type ProgressRepository interface {
	Load(ctx context.Context, user User) (*Progress, error)
	UpdateStep(ctx context.Context, user User, step StepID, completed bool) (*Progress, error)
	StartStep(ctx context.Context, user User, step StepID) (*Progress, error)
	CompleteStep(ctx context.Context, user User, step StepID, metadata map[string]interface{}) (*Progress, error)
	SkipStep(ctx context.Context, user User, step StepID) (*Progress, error)
	MarkComplete(ctx context.Context, user User) (*Progress, error)
	Reset(ctx context.Context, user User) (*Progress, error)
	UpdateResumeState(ctx context.Context, user User, fn func(state *ResumeSessionState) ResumeSessionState) (*ResumeSessionState, error)
}

// EventTracker receives analytics events.
type EventTracker interface {
	Track(event analytics.Event)
}

// ChangePublisher notifies the user's other sessions of a state change.
type ChangePublisher interface {
	Publish(userID, eventType string, payload interface{})
}

// EventProgressChanged is published after every applied mutation.
const EventProgressChanged = "progress_changed"

// Store reconciles progress between the remote state API and the local mirror.
//
// Reads prefer the remote copy unless the local one has a strictly newer
// LastActiveDate. Writes are applied locally first and then sent to the
// primary remote, with exactly one fallback remote. A remote failure is
// returned as *SyncError together with the locally applied progress.
type Store struct {
	remotes   []RemoteBackend
	local     LocalBackend
	tracker   EventTracker
	publisher ChangePublisher
	logger    *zap.Logger
	now       func() time.Time
	locks     *userLocks
}

// NewStore creates a store. primary and fallback may be nil when the
// deployment has no upstream state API.
func NewStore(primary, fallback RemoteBackend, local LocalBackend, tracker EventTracker, logger *zap.Logger) *Store {
	var remotes []RemoteBackend
	for _, r := range []RemoteBackend{primary, fallback} {
		if r != nil {
			remotes = append(remotes, r)
		}
	}
	if tracker == nil {
		tracker = analytics.Nop()
	}
	return &Store{
		remotes: remotes,
		local:   local,
		tracker: tracker,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		locks:   newUserLocks(),
	}
}

// SetPublisher attaches the change publisher. It must be called before serving.
func (s *Store) SetPublisher(p ChangePublisher) {
	s.publisher = p
}

// Load returns the user's progress, seeding a fresh record when nothing is stored.
func (s *Store) Load(ctx context.Context, user User) (*Progress, error) {
	if err := user.valid(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(user.ID)
	defer unlock()

	p, err := s.load(ctx, user)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (s *Store) load(ctx context.Context, user User) (*Progress, error) {
	table, err := TableFor(user.Role)
	if err != nil {
		return nil, err
	}

	remote, remoteErr := s.fetchRemote(ctx, user)
	if remoteErr != nil {
		s.logger.Warn("Remote onboarding state unavailable, using local copy",
			zap.String("user_id", user.ID), zap.Error(remoteErr))
	}
	remote = s.normalize(remote, user, table)

	local, err := s.local.LoadProgress(ctx, user.ID)
	if err != nil {
		s.logger.Warn("Failed to read local onboarding state",
			zap.String("user_id", user.ID), zap.Error(err))
		local = nil
	}
	local = s.normalize(local, user, table)

	switch {
	case remote != nil && local != nil && local.LastActiveDate.After(remote.LastActiveDate):
		s.logger.Warn("Local onboarding state is newer than remote, pushing local copy",
			zap.String("user_id", user.ID),
			zap.Time("local_last_active", local.LastActiveDate),
			zap.Time("remote_last_active", remote.LastActiveDate),
			zap.String("local_step", string(local.CurrentStep)),
			zap.String("remote_step", string(remote.CurrentStep)))
		if err := s.pushRemote(ctx, func(r RemoteBackend) error { return r.Update(ctx, user, local) }); err != nil {
			s.logger.Warn("Failed to push local onboarding state", zap.String("user_id", user.ID), zap.Error(err))
		}
		return local, nil

	case remote != nil:
		if err := s.local.SaveProgress(ctx, remote); err != nil {
			s.logger.Warn("Failed to mirror remote onboarding state", zap.String("user_id", user.ID), zap.Error(err))
		}
		return remote, nil

	case local != nil:
		return local, nil
	}

	// An unreachable remote may still hold progress, so the seed stays local.
	return s.seed(ctx, user, table, remoteErr == nil)
}

// seed creates the initial record. It is persisted remotely when pushRemote
// is set, best effort, and locally always.
func (s *Store) seed(ctx context.Context, user User, table *StepTable, pushRemote bool) (*Progress, error) {
	p := newProgress(user, table, s.now())

	if pushRemote {
		if err := s.pushRemote(ctx, func(r RemoteBackend) error { return r.Update(ctx, user, p) }); err != nil {
			s.logger.Warn("Failed to persist seeded onboarding state remotely",
				zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	if err := s.local.SaveProgress(ctx, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProgressUnavailable, err)
	}

	s.logger.Info("Seeded onboarding progress",
		zap.String("user_id", user.ID),
		zap.String("role", string(user.Role)),
		zap.String("step", string(p.CurrentStep)))
	s.tracker.Track(analytics.NewEvent(analytics.EventSessionStart, user.ID, string(user.Role), string(p.CurrentStep)).
		With("service_package", p.Metadata.ServicePackage))
	return p, nil
}

// normalize repairs a stored record against the role's step table.
// A record that belongs to another role is discarded.
func (s *Store) normalize(p *Progress, user User, table *StepTable) *Progress {
	if p == nil {
		return nil
	}
	if p.Role != "" && p.Role != user.Role {
		s.logger.Info("Discarding onboarding state of another role",
			zap.String("user_id", user.ID),
			zap.String("stored_role", string(p.Role)),
			zap.String("role", string(user.Role)))
		return nil
	}
	p.UserID = user.ID
	p.Role = user.Role

	completed := NewStepSet()
	for id := range p.CompletedSteps {
		if table.Contains(id) {
			completed.Add(id)
		}
	}
	p.CompletedSteps = completed

	if p.IsComplete {
		p.CompletedSteps.Add(TerminalStep)
		p.CurrentStep = TerminalStep
	}
	if !table.Contains(p.CurrentStep) {
		next, ok := table.NextAvailable(p.CompletedSteps)
		if !ok {
			next = table.First().ID
		}
		p.CurrentStep = next
	}
	if len(p.CompletedSteps) > 0 {
		p.HasStarted = true
	}
	return p
}

// UpdateStep moves the cursor to step and, when completed is set, adds it to
// the completed set. Repeating the call is idempotent for the set.
func (s *Store) UpdateStep(ctx context.Context, user User, step StepID, completed bool) (*Progress, error) {
	return s.mutate(ctx, user, "update step", step, func(p *Progress, table *StepTable, now time.Time) error {
		p.applyStep(step, completed, now)
		if completed && step == TerminalStep {
			p.IsComplete = true
		}
		return nil
	})
}

// StartStep makes step current and records when work on it began.
func (s *Store) StartStep(ctx context.Context, user User, step StepID) (*Progress, error) {
	p, err := s.mutate(ctx, user, "start step", step, func(p *Progress, table *StepTable, now time.Time) error {
		p.applyStep(step, false, now)
		if p.Metadata.StepStartTimes == nil {
			p.Metadata.StepStartTimes = make(map[StepID]time.Time)
		}
		p.Metadata.StepStartTimes[step] = now
		return nil
	})
	if p != nil {
		s.tracker.Track(analytics.NewEvent(analytics.EventStepStart, user.ID, string(user.Role), string(step)))
	}
	return p, err
}

// CompleteStep completes step, records its completion time and duration and
// merges metadata into the free-form bag.
func (s *Store) CompleteStep(ctx context.Context, user User, step StepID, metadata map[string]interface{}) (*Progress, error) {
	var duration float64
	p, err := s.mutate(ctx, user, "complete step", step, func(p *Progress, table *StepTable, now time.Time) error {
		p.applyStep(step, true, now)
		if step == TerminalStep {
			p.IsComplete = true
		}

		md := &p.Metadata
		if md.StepCompletions == nil {
			md.StepCompletions = make(map[StepID]time.Time)
		}
		md.StepCompletions[step] = now

		duration = 0
		if started, ok := md.StepStartTimes[step]; ok && now.After(started) {
			duration = now.Sub(started).Seconds()
		}
		if md.StepDurations == nil {
			md.StepDurations = make(map[StepID]float64)
		}
		md.StepDurations[step] = duration

		if len(metadata) > 0 && md.Extra == nil {
			md.Extra = make(map[string]interface{}, len(metadata))
		}
		for k, v := range metadata {
			md.Extra[k] = v
		}
		return nil
	})
	if p != nil {
		event := analytics.NewEvent(analytics.EventStepComplete, user.ID, string(user.Role), string(step))
		event.DurationSeconds = duration
		for k, v := range metadata {
			event = event.With(k, v)
		}
		s.tracker.Track(event)
	}
	return p, err
}

// SkipStep completes an optional step without doing it and moves on.
func (s *Store) SkipStep(ctx context.Context, user User, step StepID) (*Progress, error) {
	p, err := s.mutate(ctx, user, "skip step", step, func(p *Progress, table *StepTable, now time.Time) error {
		def, _ := table.Step(step)
		if !def.Optional {
			return fmt.Errorf("%w: %s", ErrStepNotOptional, step)
		}
		p.applyStep(step, true, now)
		if p.Metadata.SkippedSteps == nil {
			p.Metadata.SkippedSteps = make(map[StepID]time.Time)
		}
		p.Metadata.SkippedSteps[step] = now
		if next, ok := table.NextAvailable(p.CompletedSteps); ok {
			p.CurrentStep = next
		}
		return nil
	})
	if p != nil {
		s.tracker.Track(analytics.NewEvent(analytics.EventStepSkip, user.ID, string(user.Role), string(step)))
	}
	return p, err
}

// MarkComplete finishes the flow. The completion call goes to the remote
// routes; the local mirror is best effort.
func (s *Store) MarkComplete(ctx context.Context, user User) (*Progress, error) {
	if err := user.valid(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(user.ID)
	defer unlock()

	p, err := s.current(ctx, user)
	if err != nil {
		return nil, err
	}
	now := s.now()
	p.applyStep(TerminalStep, true, now)
	p.IsComplete = true
	if p.Metadata.StepCompletions == nil {
		p.Metadata.StepCompletions = make(map[StepID]time.Time)
	}
	p.Metadata.StepCompletions[TerminalStep] = now

	if err := s.local.SaveProgress(ctx, p); err != nil {
		s.logger.Warn("Failed to mirror completed onboarding state",
			zap.String("user_id", user.ID), zap.Error(err))
	}

	event := analytics.NewEvent(analytics.EventSessionComplete, user.ID, string(user.Role), string(TerminalStep)).
		With("completed_steps", len(p.CompletedSteps))
	if p.Metadata.StartTime != nil {
		event.DurationSeconds = now.Sub(*p.Metadata.StartTime).Seconds()
	}
	s.tracker.Track(event)
	s.publish(user, p)

	if err := s.pushRemote(ctx, func(r RemoteBackend) error { return r.Complete(ctx, user) }); err != nil {
		return p.Clone(), s.syncFailed(user, "mark complete", TerminalStep, err)
	}
	s.logger.Info("Onboarding completed", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	return p.Clone(), nil
}

// Reset clears remote and local state, including the resume state, and seeds
// a fresh record.
func (s *Store) Reset(ctx context.Context, user User) (*Progress, error) {
	if err := user.valid(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(user.ID)
	defer unlock()

	remoteErr := s.pushRemote(ctx, func(r RemoteBackend) error { return r.Reset(ctx, user) })

	if err := s.local.ClearProgress(ctx, user.ID); err != nil {
		s.logger.Warn("Failed to clear local onboarding state", zap.String("user_id", user.ID), zap.Error(err))
	}
	if err := s.local.ClearResumeState(ctx, user.ID); err != nil {
		s.logger.Warn("Failed to clear resume state", zap.String("user_id", user.ID), zap.Error(err))
	}

	var (
		p   *Progress
		err error
	)
	if remoteErr != nil {
		// The remote still holds the old record, so fetching it would undo the reset.
		table, _ := TableFor(user.Role)
		p, err = s.seed(ctx, user, table, true)
	} else {
		p, err = s.load(ctx, user)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Onboarding progress reset", zap.String("user_id", user.ID))
	s.publish(user, p)
	if remoteErr != nil {
		return p.Clone(), s.syncFailed(user, "reset", "", remoteErr)
	}
	return p.Clone(), nil
}

// UpdateResumeState applies fn to the stored resume state under the user's
// lock and saves the result. fn receives nil when nothing is stored.
func (s *Store) UpdateResumeState(ctx context.Context, user User, fn func(state *ResumeSessionState) ResumeSessionState) (*ResumeSessionState, error) {
	if err := user.valid(); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(user.ID)
	defer unlock()

	state, err := s.local.LoadResumeState(ctx, user.ID)
	if err != nil {
		s.logger.Warn("Failed to read resume state", zap.String("user_id", user.ID), zap.Error(err))
		state = nil
	}
	next := fn(state)
	if err := s.local.SaveResumeState(ctx, user.ID, &next); err != nil {
		return nil, fmt.Errorf("failed to save resume state: %w", err)
	}
	return &next, nil
}

// mutate applies fn to the current progress under the user's lock, mirrors
// the result locally and then syncs it remotely.
func (s *Store) mutate(ctx context.Context, user User, op string, step StepID, fn func(p *Progress, table *StepTable, now time.Time) error) (*Progress, error) {
	if err := user.valid(); err != nil {
		return nil, err
	}
	table, _ := TableFor(user.Role)
	if !table.Contains(step) {
		return nil, fmt.Errorf("%w: %s is not part of the %s flow", ErrUnknownStep, step, user.Role)
	}

	unlock := s.locks.lock(user.ID)
	defer unlock()

	p, err := s.current(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := fn(p, table, s.now()); err != nil {
		return nil, err
	}

	if err := s.local.SaveProgress(ctx, p); err != nil {
		s.logger.Error("Failed to mirror onboarding state locally",
			zap.String("user_id", user.ID), zap.String("op", op), zap.Error(err))
	}
	s.publish(user, p)

	if err := s.pushRemote(ctx, func(r RemoteBackend) error { return r.Update(ctx, user, p) }); err != nil {
		return p.Clone(), s.syncFailed(user, op, step, err)
	}
	return p.Clone(), nil
}

// current returns the working copy for a mutation. The local mirror is
// written on every mutation, so it is read first.
func (s *Store) current(ctx context.Context, user User) (*Progress, error) {
	table, _ := TableFor(user.Role)
	p, err := s.local.LoadProgress(ctx, user.ID)
	if err != nil {
		s.logger.Warn("Failed to read local onboarding state", zap.String("user_id", user.ID), zap.Error(err))
	}
	if p = s.normalize(p, user, table); p != nil {
		return p, nil
	}
	return s.load(ctx, user)
}

// fetchRemote returns the first stored state found on the remotes. A remote
// with no state does not end the search. The result is nil, nil only when
// every remote answered that it holds no state.
func (s *Store) fetchRemote(ctx context.Context, user User) (*Progress, error) {
	var errs error
	for _, r := range s.remotes {
		p, err := r.Fetch(ctx, user)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, errs
}

// pushRemote runs call against the primary remote and, if it fails, once
// against the fallback.
func (s *Store) pushRemote(ctx context.Context, call func(RemoteBackend) error) error {
	var errs error
	for i, r := range s.remotes {
		err := call(r)
		if err == nil {
			if i > 0 {
				s.logger.Info("Onboarding state synced through fallback route")
			}
			return nil
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (s *Store) syncFailed(user User, op string, step StepID, err error) error {
	s.logger.Error("Onboarding state sync failed on all routes",
		zap.String("user_id", user.ID),
		zap.String("op", op),
		zap.Error(err))
	s.tracker.Track(analytics.NewEvent(analytics.EventStepError, user.ID, string(user.Role), string(step)).
		With("operation", op).
		With("error", err.Error()))
	return &SyncError{Op: op, Err: err}
}

func (s *Store) publish(user User, p *Progress) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(user.ID, EventProgressChanged, p.Clone())
}

// userLocks serializes mutations per user.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
