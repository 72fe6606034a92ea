package onboarding

import (
	"strings"
	"time"
)

// ResumeSessionState tracks how often a user was offered to resume.
type ResumeSessionState struct {
	HasShownResumePrompt bool       `json:"has_shown_resume_prompt"`
	LastPromptTime       *time.Time `json:"last_prompt_time,omitempty"`
	UserDismissedResume  bool       `json:"user_dismissed_resume"`
	ResumeAttempts       int        `json:"resume_attempts"`
}

// ResumeConfig holds the resume prompt thresholds.
type ResumeConfig struct {
	MinIdle              time.Duration `json:"min_idle"`
	MaxIdle              time.Duration `json:"max_idle"`
	DismissCooldown      time.Duration `json:"dismiss_cooldown"`
	MaxAttempts          int           `json:"max_attempts"`
	StateTTL             time.Duration `json:"state_ttl"`
	ExcludedPaths        []string      `json:"excluded_paths"`
	OnboardingPathPrefix string        `json:"onboarding_path_prefix"`
}

// DefaultResumeConfig returns default resume thresholds
func DefaultResumeConfig() ResumeConfig {
	return ResumeConfig{
		MinIdle:              10 * time.Minute,
		MaxIdle:              7 * 24 * time.Hour,
		DismissCooldown:      24 * time.Hour,
		MaxAttempts:          3,
		StateTTL:             7 * 24 * time.Hour,
		ExcludedPaths:        []string{"/auth", "/login", "/signup", "/logout", "/verify-email", "/reset-password"},
		OnboardingPathPrefix: "/onboarding/",
	}
}

// Eligibility is the outcome of a resume prompt check.
type Eligibility struct {
	Eligible           bool    `json:"eligible"`
	Reason             string  `json:"reason,omitempty"`
	MinutesSinceActive float64 `json:"minutes_since_active"`
	CurrentStep        StepID  `json:"current_step,omitempty"`
	ResumeRoute        string  `json:"resume_route,omitempty"`
	RemainingMinutes   int     `json:"remaining_minutes,omitempty"`
}

// ResumeDetector decides whether an interrupted flow should be offered for resumption.
type ResumeDetector struct {
	config ResumeConfig
}

func NewResumeDetector(config ResumeConfig) *ResumeDetector {
	def := DefaultResumeConfig()
	if config.MinIdle <= 0 {
		config.MinIdle = def.MinIdle
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = def.MaxIdle
	}
	if config.DismissCooldown <= 0 {
		config.DismissCooldown = def.DismissCooldown
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.StateTTL <= 0 {
		config.StateTTL = def.StateTTL
	}
	if config.ExcludedPaths == nil {
		config.ExcludedPaths = def.ExcludedPaths
	}
	if config.OnboardingPathPrefix == "" {
		config.OnboardingPathPrefix = def.OnboardingPathPrefix
	}
	return &ResumeDetector{config: config}
}

func (d *ResumeDetector) Config() ResumeConfig { return d.config }

// Fresh returns state, or an empty state when state is missing or its last
// prompt is older than the state TTL.
func (d *ResumeDetector) Fresh(state *ResumeSessionState, now time.Time) ResumeSessionState {
	if state == nil {
		return ResumeSessionState{}
	}
	if state.LastPromptTime != nil && now.Sub(*state.LastPromptTime) > d.config.StateTTL {
		return ResumeSessionState{}
	}
	return *state
}

// ShouldShowResume checks every prompt condition. Bounds on idle time are inclusive.
func (d *ResumeDetector) ShouldShowResume(p *Progress, path string, state *ResumeSessionState, now time.Time) Eligibility {
	if p == nil {
		return Eligibility{Reason: "progress not loaded"}
	}
	minutes := now.Sub(p.LastActiveDate).Minutes()
	out := Eligibility{MinutesSinceActive: minutes}

	if !p.HasStarted || p.IsComplete {
		out.Reason = "onboarding not in progress"
		return out
	}
	if d.isExcluded(path) {
		out.Reason = "path excluded"
		return out
	}
	if strings.HasPrefix(path, d.config.OnboardingPathPrefix) {
		out.Reason = "already in onboarding"
		return out
	}

	st := d.Fresh(state, now)
	if st.UserDismissedResume && st.LastPromptTime != nil && now.Sub(*st.LastPromptTime) < d.config.DismissCooldown {
		out.Reason = "dismissed recently"
		return out
	}
	if st.ResumeAttempts >= d.config.MaxAttempts {
		out.Reason = "resume attempts exhausted"
		return out
	}

	idle := now.Sub(p.LastActiveDate)
	if idle < d.config.MinIdle {
		out.Reason = "recently active"
		return out
	}
	if idle > d.config.MaxIdle {
		out.Reason = "session stale"
		return out
	}

	out.Eligible = true
	out.CurrentStep = p.CurrentStep
	if caps, err := CapabilitiesFor(p.Role); err == nil {
		out.ResumeRoute = caps.StepRoute(p.CurrentStep)
		out.RemainingMinutes = caps.Steps.RemainingMinutes(p.CompletedSteps)
	}
	return out
}

// Resume records an accepted prompt.
func (d *ResumeDetector) Resume(state *ResumeSessionState, now time.Time) ResumeSessionState {
	st := d.Fresh(state, now)
	if st.ResumeAttempts < d.config.MaxAttempts {
		st.ResumeAttempts++
	}
	st.HasShownResumePrompt = true
	st.LastPromptTime = &now
	st.UserDismissedResume = false
	return st
}

// Skip records a dismissed prompt and starts the cooldown.
func (d *ResumeDetector) Skip(state *ResumeSessionState, now time.Time) ResumeSessionState {
	st := d.Fresh(state, now)
	st.HasShownResumePrompt = true
	st.LastPromptTime = &now
	st.UserDismissedResume = true
	return st
}

func (d *ResumeDetector) isExcluded(path string) bool {
	for _, ex := range d.config.ExcludedPaths {
		if path == ex || strings.HasPrefix(path, strings.TrimSuffix(ex, "/")+"/") {
			return true
		}
	}
	return false
}
