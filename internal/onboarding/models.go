package onboarding

import (
	"encoding/json"
	"sort"
	"time"
)

// User is the authenticated caller driving an onboarding flow.
type User struct {
	ID   string
	Role Role
	// Token is forwarded to the upstream state API, never persisted.
	Token string
}

func (u User) valid() error {
	if u.ID == "" {
		return ErrUserRequired
	}
	if _, err := TableFor(u.Role); err != nil {
		return err
	}
	return nil
}

// StepSet holds unique step ids. It serializes as a sorted array.
type StepSet map[StepID]struct{}

func NewStepSet(ids ...StepID) StepSet {
	s := make(StepSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id and reports whether it was new.
func (s StepSet) Add(id StepID) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s StepSet) Has(id StepID) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the ids in step order. Ids outside every table come last.
func (s StepSet) Slice() []StepID {
	out := make([]StepID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iok := stepRank[out[i]]
		rj, jok := stepRank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return out[i] < out[j]
	})
	return out
}

func (s StepSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *StepSet) UnmarshalJSON(data []byte) error {
	var ids []StepID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewStepSet(ids...)
	return nil
}

// Metadata is the free-form bag attached to a progress record.
type Metadata struct {
	StartTime       *time.Time             `json:"start_time,omitempty"`
	ServicePackage  string                 `json:"service_package,omitempty"`
	StepCompletions map[StepID]time.Time   `json:"step_completions,omitempty"`
	StepStartTimes  map[StepID]time.Time   `json:"step_start_times,omitempty"`
	StepDurations   map[StepID]float64     `json:"step_durations,omitempty"` // seconds
	SkippedSteps    map[StepID]time.Time   `json:"skipped_steps,omitempty"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if m.StartTime != nil {
		t := *m.StartTime
		out.StartTime = &t
	}
	out.StepCompletions = cloneTimes(m.StepCompletions)
	out.StepStartTimes = cloneTimes(m.StepStartTimes)
	out.SkippedSteps = cloneTimes(m.SkippedSteps)
	if m.StepDurations != nil {
		out.StepDurations = make(map[StepID]float64, len(m.StepDurations))
		for k, v := range m.StepDurations {
			out.StepDurations[k] = v
		}
	}
	if m.Extra != nil {
		out.Extra = make(map[string]interface{}, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func cloneTimes(in map[StepID]time.Time) map[StepID]time.Time {
	if in == nil {
		return nil
	}
	out := make(map[StepID]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Progress is the onboarding state of one user.
type Progress struct {
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	CurrentStep    StepID    `json:"current_step"`
	CompletedSteps StepSet   `json:"completed_steps"`
	HasStarted     bool      `json:"has_started"`
	IsComplete     bool      `json:"is_complete"`
	LastActiveDate time.Time `json:"last_active_date"`
	Metadata       Metadata  `json:"metadata"`
}

// Clone returns a deep copy.
func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	out := *p
	out.CompletedSteps = NewStepSet(p.CompletedSteps.Slice()...)
	out.Metadata = p.Metadata.clone()
	return &out
}

// newProgress seeds the state a role starts with.
func newProgress(user User, table *StepTable, now time.Time) *Progress {
	start := now
	return &Progress{
		UserID:         user.ID,
		Role:           user.Role,
		CurrentStep:    table.First().ID,
		CompletedSteps: NewStepSet(),
		HasStarted:     true,
		LastActiveDate: now,
		Metadata: Metadata{
			StartTime:      &start,
			ServicePackage: string(user.Role),
		},
	}
}

// applyStep moves the cursor to step and optionally completes it.
func (p *Progress) applyStep(step StepID, completed bool, now time.Time) {
	if p.CompletedSteps == nil {
		p.CompletedSteps = NewStepSet()
	}
	p.CurrentStep = step
	if completed {
		p.CompletedSteps.Add(step)
	}
	p.HasStarted = true
	p.LastActiveDate = now
}

// ProgressSummary is the dashboard view of a progress record.
type ProgressSummary struct {
	*Progress
	PercentComplete  float64 `json:"percent_complete"`
	RemainingMinutes int     `json:"remaining_minutes"`
	TotalSteps       int     `json:"total_steps"`
	NextStep         StepID  `json:"next_step,omitempty"`
}

// Summarize decorates progress with figures from the role's step table.
func Summarize(p *Progress) (*ProgressSummary, error) {
	table, err := TableFor(p.Role)
	if err != nil {
		return nil, err
	}
	s := &ProgressSummary{
		Progress:         p,
		PercentComplete:  table.PercentComplete(p.CompletedSteps),
		RemainingMinutes: table.RemainingMinutes(p.CompletedSteps),
		TotalSteps:       len(table.steps),
	}
	if next, ok := table.NextAvailable(p.CompletedSteps); ok {
		s.NextStep = next
	}
	return s, nil
}
