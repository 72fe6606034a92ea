package onboarding

import (
	"fmt"
	"sort"
)

// Decision is the verdict of the step guard.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionRedirect Decision = "redirect"
	DecisionDeny     Decision = "deny"
)

// GuardRequest asks whether a user may open a step.
type GuardRequest struct {
	User *User
	Step StepID
	// RequiredRole is the role owning the requested route. Empty means the user's role.
	RequiredRole Role
	// Dependencies overrides the catalog dependencies of Step when non-nil.
	Dependencies []StepID
	Progress     *Progress
}

// GuardResult is a structured access decision. Violations are never errors.
type GuardResult struct {
	CanAccess           bool     `json:"can_access"`
	Decision            Decision `json:"decision"`
	RedirectTo          string   `json:"redirect_to,omitempty"`
	Reason              string   `json:"reason,omitempty"`
	MissingDependencies []StepID `json:"missing_dependencies,omitempty"`
	ShowResumePrompt    bool     `json:"show_resume_prompt,omitempty"`
}

func allow() GuardResult {
	return GuardResult{CanAccess: true, Decision: DecisionAllow}
}

func deny(reason string) GuardResult {
	return GuardResult{Decision: DecisionDeny, Reason: reason}
}

func redirect(to, reason string) GuardResult {
	return GuardResult{Decision: DecisionRedirect, RedirectTo: to, Reason: reason}
}

// Validate runs the access checks in order and returns the first failure.
func Validate(req GuardRequest) GuardResult {
	if req.User == nil || req.User.ID == "" {
		return deny("user information unavailable")
	}
	if req.Progress == nil {
		return deny("onboarding progress unavailable")
	}
	caps, err := CapabilitiesFor(req.User.Role)
	if err != nil {
		return deny("unsupported account role")
	}
	table := caps.Steps
	progress := req.Progress

	if req.RequiredRole != "" && req.RequiredRole != req.User.Role {
		return redirect(caps.DashboardRoute,
			fmt.Sprintf("step %s belongs to the %s onboarding flow", req.Step, req.RequiredRole))
	}
	def, ok := table.Step(req.Step)
	if !ok {
		return redirect(caps.DashboardRoute,
			fmt.Sprintf("step %s is not part of the %s onboarding flow", req.Step, req.User.Role))
	}

	if progress.IsComplete && req.Step != TerminalStep {
		return redirect(caps.DashboardRoute, "onboarding already completed")
	}

	deps := def.Dependencies
	if req.Dependencies != nil {
		deps = req.Dependencies
	}
	if missing := missingDependencies(table, deps, progress.CompletedSteps); len(missing) > 0 {
		res := redirect(caps.StepRoute(missing[0]),
			fmt.Sprintf("complete %s before %s", missing[0], req.Step))
		res.MissingDependencies = missing
		return res
	}

	maxCompleted := table.MaxCompletedOrder(progress.CompletedSteps)
	if def.Order > maxCompleted+1 {
		res := redirect(caps.StepRoute(resumeTarget(table, progress, maxCompleted)),
			"steps cannot be skipped")
		res.ShowResumePrompt = true
		return res
	}

	if progress.CompletedSteps.Has(req.Step) && req.Step != progress.CurrentStep {
		next, ok := table.NextAvailable(progress.CompletedSteps)
		if !ok {
			next = TerminalStep
		}
		res := redirect(caps.StepRoute(next), fmt.Sprintf("step %s is already completed", req.Step))
		res.ShowResumePrompt = true
		return res
	}

	return allow()
}

// missingDependencies returns deps not in completed, lowest step order first.
// Ids outside the table sort last.
func missingDependencies(table *StepTable, deps []StepID, completed StepSet) []StepID {
	var missing []StepID
	seen := NewStepSet()
	for _, d := range deps {
		if !completed.Has(d) && seen.Add(d) {
			missing = append(missing, d)
		}
	}
	rank := func(id StepID) int {
		if o := table.Order(id); o >= 0 {
			return o
		}
		return len(table.steps)
	}
	sort.SliceStable(missing, func(i, j int) bool { return rank(missing[i]) < rank(missing[j]) })
	return missing
}

// resumeTarget picks where a skip-ahead attempt is sent: the current step
// when it is itself reachable, else the next available one.
func resumeTarget(table *StepTable, p *Progress, maxCompleted int) StepID {
	if o := table.Order(p.CurrentStep); o >= 0 && o <= maxCompleted+1 &&
		!p.CompletedSteps.Has(p.CurrentStep) && len(table.Missing(p.CurrentStep, p.CompletedSteps)) == 0 {
		return p.CurrentStep
	}
	if next, ok := table.NextAvailable(p.CompletedSteps); ok {
		return next
	}
	return table.First().ID
}
