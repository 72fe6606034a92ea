package onboarding

import "strings"

// ActionType is what the shell should do with a navigation request.
type ActionType string

const (
	ActionAllow        ActionType = "allow"
	ActionRedirect     ActionType = "redirect"
	ActionRestricted   ActionType = "restricted"
	ActionResumePrompt ActionType = "resume_prompt"
)

// Action is a navigation instruction for the browser shell.
type Action struct {
	Type                ActionType   `json:"type"`
	Path                string       `json:"path,omitempty"`
	Reason              string       `json:"reason,omitempty"`
	MissingDependencies []StepID     `json:"missing_dependencies,omitempty"`
	ShowResumePrompt    bool         `json:"show_resume_prompt,omitempty"`
	Resume              *Eligibility `json:"resume,omitempty"`
}

// Navigator turns guard and resume decisions into navigation actions.
type Navigator struct{}

func NewNavigator() *Navigator { return &Navigator{} }

// ForGuard maps a guard result. Unmet dependencies become a restricted
// panel that links to the first missing step.
func (n *Navigator) ForGuard(res GuardResult) Action {
	switch {
	case res.CanAccess:
		return Action{Type: ActionAllow}
	case res.Decision == DecisionDeny:
		return Action{Type: ActionRestricted, Reason: res.Reason}
	case len(res.MissingDependencies) > 0:
		return Action{
			Type:                ActionRestricted,
			Path:                res.RedirectTo,
			Reason:              res.Reason,
			MissingDependencies: res.MissingDependencies,
		}
	}
	return Action{
		Type:             ActionRedirect,
		Path:             res.RedirectTo,
		Reason:           res.Reason,
		ShowResumePrompt: res.ShowResumePrompt,
	}
}

// ForResume maps a resume check. Ineligible checks leave navigation alone.
func (n *Navigator) ForResume(e Eligibility) Action {
	if !e.Eligible {
		return Action{Type: ActionAllow, Reason: e.Reason}
	}
	return Action{Type: ActionResumePrompt, Path: e.ResumeRoute, Resume: &e}
}

// AfterResume sends the user back to the stored step.
func (n *Navigator) AfterResume(p *Progress) Action {
	caps, err := CapabilitiesFor(p.Role)
	if err != nil {
		return Action{Type: ActionRestricted, Reason: "unsupported account role"}
	}
	if p.IsComplete {
		return Action{Type: ActionRedirect, Path: caps.DashboardRoute}
	}
	return Action{Type: ActionRedirect, Path: caps.StepRoute(p.CurrentStep)}
}

// ParseStepRoute splits /onboarding/{role}/{step}.
func ParseStepRoute(path string) (Role, StepID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "onboarding" {
		return "", "", false
	}
	role, err := ParseRole(parts[1])
	if err != nil || parts[2] == "" {
		return "", "", false
	}
	return role, StepID(parts[2]), true
}
