package onboarding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"einvoice-portal/onboarding-backend/internal/analytics"
)

// Service combines the progress store, step guard and resume detector.
type Service struct {
	store     ProgressRepository
	local     LocalBackend
	detector  *ResumeDetector
	navigator *Navigator
	tracker   EventTracker
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store ProgressRepository, local LocalBackend, detector *ResumeDetector, tracker EventTracker, logger *zap.Logger) *Service {
	if tracker == nil {
		tracker = analytics.Nop()
	}
	return &Service{
		store:     store,
		local:     local,
		detector:  detector,
		navigator: NewNavigator(),
		tracker:   tracker,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CatalogView is the public description of a role's flow.
type CatalogView struct {
	Role             Role             `json:"role"`
	DashboardRoute   string           `json:"dashboard_route"`
	OnboardingPrefix string           `json:"onboarding_prefix"`
	Steps            []StepDefinition `json:"steps"`
	TotalMinutes     int              `json:"total_minutes"`
}

func (s *Service) Catalog(role Role) (*CatalogView, error) {
	caps, err := CapabilitiesFor(role)
	if err != nil {
		return nil, err
	}
	return &CatalogView{
		Role:             role,
		DashboardRoute:   caps.DashboardRoute,
		OnboardingPrefix: caps.OnboardingPrefix,
		Steps:            caps.Steps.Steps(),
		TotalMinutes:     caps.Steps.RemainingMinutes(nil),
	}, nil
}

func (s *Service) GetProgress(ctx context.Context, user User) (*ProgressSummary, error) {
	return s.summarize(s.store.Load(ctx, user))
}

func (s *Service) UpdateStep(ctx context.Context, user User, step StepID, completed bool) (*ProgressSummary, error) {
	return s.summarize(s.store.UpdateStep(ctx, user, step, completed))
}

func (s *Service) StartStep(ctx context.Context, user User, step StepID) (*ProgressSummary, error) {
	return s.summarize(s.store.StartStep(ctx, user, step))
}

func (s *Service) CompleteStep(ctx context.Context, user User, step StepID, metadata map[string]interface{}) (*ProgressSummary, error) {
	return s.summarize(s.store.CompleteStep(ctx, user, step, metadata))
}

func (s *Service) SkipStep(ctx context.Context, user User, step StepID) (*ProgressSummary, error) {
	return s.summarize(s.store.SkipStep(ctx, user, step))
}

func (s *Service) MarkComplete(ctx context.Context, user User) (*ProgressSummary, error) {
	return s.summarize(s.store.MarkComplete(ctx, user))
}

func (s *Service) Reset(ctx context.Context, user User) (*ProgressSummary, error) {
	return s.summarize(s.store.Reset(ctx, user))
}

// summarize keeps a *SyncError next to the applied progress.
func (s *Service) summarize(p *Progress, err error) (*ProgressSummary, error) {
	if p == nil {
		return nil, err
	}
	summary, serr := Summarize(p)
	if serr != nil {
		return nil, serr
	}
	return summary, err
}

// CheckAccess runs the step guard for user against their current progress.
func (s *Service) CheckAccess(ctx context.Context, user User, step StepID, routeRole Role) (GuardResult, Action, error) {
	p, err := s.store.Load(ctx, user)
	if err != nil && p == nil {
		s.logger.Warn("Guard check without progress", zap.String("user_id", user.ID), zap.Error(err))
	}
	res := Validate(GuardRequest{
		User:         &user,
		Step:         step,
		RequiredRole: routeRole,
		Progress:     p,
	})
	if !res.CanAccess {
		s.logger.Debug("Step access refused",
			zap.String("user_id", user.ID),
			zap.String("step", string(step)),
			zap.String("decision", string(res.Decision)),
			zap.String("reason", res.Reason))
	}
	return res, s.navigator.ForGuard(res), nil
}

// CheckAccessPath runs the guard for an /onboarding/{role}/{step} path.
func (s *Service) CheckAccessPath(ctx context.Context, user User, path string) (GuardResult, Action, error) {
	role, step, ok := ParseStepRoute(path)
	if !ok {
		return GuardResult{}, Action{}, fmt.Errorf("%w: %q is not an onboarding route", ErrUnknownStep, path)
	}
	return s.CheckAccess(ctx, user, step, role)
}

// CheckResume evaluates the resume prompt for a user visiting path.
func (s *Service) CheckResume(ctx context.Context, user User, path string) (Eligibility, Action, error) {
	p, err := s.store.Load(ctx, user)
	if err != nil {
		return Eligibility{}, Action{}, err
	}
	state, err := s.resumeState(ctx, user)
	if err != nil {
		return Eligibility{}, Action{}, err
	}

	e := s.detector.ShouldShowResume(p, path, state, s.now())
	if e.Eligible {
		s.tracker.Track(analytics.NewEvent(analytics.EventResumePrompt, user.ID, string(user.Role), string(p.CurrentStep)).
			With("minutes_since_active", e.MinutesSinceActive).
			With("resume_attempts", s.detector.Fresh(state, s.now()).ResumeAttempts))
	}
	return e, s.navigator.ForResume(e), nil
}

// AcceptResume counts a resume attempt and returns where to continue.
func (s *Service) AcceptResume(ctx context.Context, user User) (Action, error) {
	p, err := s.store.Load(ctx, user)
	if err != nil {
		return Action{}, err
	}
	next, err := s.store.UpdateResumeState(ctx, user, func(state *ResumeSessionState) ResumeSessionState {
		return s.detector.Resume(state, s.now())
	})
	if err != nil {
		return Action{}, err
	}
	s.tracker.Track(analytics.NewEvent(analytics.EventResumeAccepted, user.ID, string(user.Role), string(p.CurrentStep)).
		With("resume_attempts", next.ResumeAttempts))
	return s.navigator.AfterResume(p), nil
}

// DismissResume starts the prompt cooldown.
func (s *Service) DismissResume(ctx context.Context, user User) (*ResumeSessionState, error) {
	if err := user.valid(); err != nil {
		return nil, err
	}
	next, err := s.store.UpdateResumeState(ctx, user, func(state *ResumeSessionState) ResumeSessionState {
		return s.detector.Skip(state, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.tracker.Track(analytics.NewEvent(analytics.EventResumeDismissed, user.ID, string(user.Role), ""))
	return next, nil
}

// RecordAbandon reports an idle session.
func (s *Service) RecordAbandon(user User, idleFor time.Duration) {
	s.tracker.Track(analytics.NewEvent(analytics.EventSessionAbandon, user.ID, string(user.Role), "").
		With("idle_seconds", idleFor.Seconds()))
}

// resumeState loads the stored state, dropping it once stale.
func (s *Service) resumeState(ctx context.Context, user User) (*ResumeSessionState, error) {
	state, err := s.local.LoadResumeState(ctx, user.ID)
	if err != nil {
		s.logger.Warn("Failed to read resume state", zap.String("user_id", user.ID), zap.Error(err))
		return nil, nil
	}
	if state != nil && state.LastPromptTime != nil && s.now().Sub(*state.LastPromptTime) > s.detector.Config().StateTTL {
		if err := s.local.ClearResumeState(ctx, user.ID); err != nil {
			s.logger.Warn("Failed to discard stale resume state", zap.String("user_id", user.ID), zap.Error(err))
		}
		return nil, nil
	}
	return state, nil
}
