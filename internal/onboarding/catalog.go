package onboarding

import (
	"fmt"
	"sort"
	"strings"

	"einvoice-portal/onboarding-backend/pkg/workflows"
)

// Role is the service package a tenant selected at signup.
type Role string

const (
	RoleSI     Role = "si"
	RoleAPP    Role = "app"
	RoleHybrid Role = "hybrid"
)

// ParseRole normalizes a role string coming from a token or a request.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSI, "system_integrator":
		return RoleSI, nil
	case RoleAPP, "access_point_provider":
		return RoleAPP, nil
	case RoleHybrid:
		return RoleHybrid, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Roles returns every supported role.
func Roles() []Role {
	return []Role{RoleSI, RoleAPP, RoleHybrid}
}

// StepID identifies one onboarding step.
type StepID string

const (
	StepServiceIntroduction      StepID = "service_introduction"
	StepServiceSelection         StepID = "service_selection"
	StepIntegrationChoice        StepID = "integration_choice"
	StepBusinessVerification     StepID = "business_verification"
	StepBusinessSystemsSetup     StepID = "business_systems_setup"
	StepFinancialSystemsSetup    StepID = "financial_systems_setup"
	StepBankingConnections       StepID = "banking_connections"
	StepReconciliationSetup      StepID = "reconciliation_setup"
	StepCompleteIntegrationSetup StepID = "complete_integration_setup"
	StepFIRSIntegrationSetup     StepID = "firs_integration_setup"
	StepComplianceSettings       StepID = "compliance_settings"
	StepTaxpayerSetup            StepID = "taxpayer_setup"
	StepOnboardingComplete       StepID = "onboarding_complete"
)

// TerminalStep closes the flow for every role.
const TerminalStep = StepOnboardingComplete

// StepDefinition is a static entry of a role's step table.
type StepDefinition struct {
	ID               StepID   `json:"id"`
	Title            string   `json:"title"`
	Order            int      `json:"order"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	Dependencies     []StepID `json:"dependencies"`
	Optional         bool     `json:"optional"`
}

// StepTable is the ordered step list of one role.
type StepTable struct {
	role  Role
	steps []StepDefinition
	index map[StepID]int
	graph *workflows.DependencyGraph
}

// NewStepTable validates the definitions and assigns their order.
func NewStepTable(role Role, defs []StepDefinition) (*StepTable, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("step table for %s is empty", role)
	}

	nodes := make([]string, len(defs))
	deps := make(map[string][]string, len(defs))
	t := &StepTable{
		role:  role,
		steps: make([]StepDefinition, len(defs)),
		index: make(map[StepID]int, len(defs)),
	}
	for i, d := range defs {
		d.Order = i
		d.Dependencies = append([]StepID(nil), d.Dependencies...)
		t.steps[i] = d
		t.index[d.ID] = i
		nodes[i] = string(d.ID)
		for _, dep := range d.Dependencies {
			deps[nodes[i]] = append(deps[nodes[i]], string(dep))
		}
	}

	graph, err := workflows.NewDependencyGraph(nodes, deps)
	if err != nil {
		return nil, fmt.Errorf("invalid step table for %s: %w", role, err)
	}
	if !graph.Acyclic() {
		return nil, fmt.Errorf("step table for %s has a dependency cycle", role)
	}
	t.graph = graph
	return t, nil
}

// Role returns the role owning the table.
func (t *StepTable) Role() Role { return t.role }

// Steps returns a copy of the definitions in order.
func (t *StepTable) Steps() []StepDefinition {
	out := make([]StepDefinition, len(t.steps))
	copy(out, t.steps)
	return out
}

func (t *StepTable) First() StepDefinition { return t.steps[0] }

func (t *StepTable) Contains(id StepID) bool {
	_, ok := t.index[id]
	return ok
}

// Step looks up a definition by id.
func (t *StepTable) Step(id StepID) (StepDefinition, bool) {
	i, ok := t.index[id]
	if !ok {
		return StepDefinition{}, false
	}
	return t.steps[i], true
}

// Order returns the position of a step, -1 for unknown ids.
func (t *StepTable) Order(id StepID) int {
	return t.graph.Order(string(id))
}

// Missing returns the unmet dependencies of a step, lowest order first.
func (t *StepTable) Missing(id StepID, completed StepSet) []StepID {
	done := make(map[string]bool, len(completed))
	for s := range completed {
		done[string(s)] = true
	}
	var out []StepID
	for _, m := range t.graph.Missing(string(id), done) {
		out = append(out, StepID(m))
	}
	return out
}

// MaxCompletedOrder returns the highest order among completed steps, -1 if none.
func (t *StepTable) MaxCompletedOrder(completed StepSet) int {
	max := -1
	for s := range completed {
		if o := t.Order(s); o > max {
			max = o
		}
	}
	return max
}

// NextAvailable returns the first uncompleted step whose dependencies are satisfied.
func (t *StepTable) NextAvailable(completed StepSet) (StepID, bool) {
	for _, d := range t.steps {
		if completed.Has(d.ID) {
			continue
		}
		if len(t.Missing(d.ID, completed)) == 0 {
			return d.ID, true
		}
	}
	return "", false
}

// RemainingMinutes sums the estimates of steps not yet completed.
func (t *StepTable) RemainingMinutes(completed StepSet) int {
	total := 0
	for _, d := range t.steps {
		if !completed.Has(d.ID) {
			total += d.EstimatedMinutes
		}
	}
	return total
}

// PercentComplete is the share of table steps found in completed.
func (t *StepTable) PercentComplete(completed StepSet) float64 {
	n := 0
	for _, d := range t.steps {
		if completed.Has(d.ID) {
			n++
		}
	}
	return float64(n) * 100 / float64(len(t.steps))
}

// Capabilities is the navigation and persistence surface granted to a role.
type Capabilities struct {
	Role             Role       `json:"role"`
	Steps            *StepTable `json:"-"`
	DashboardRoute   string     `json:"dashboard_route"`
	OnboardingPrefix string     `json:"onboarding_prefix"`
	// LegacyRemotePrefix selects the role specific fallback routes of the state API.
	LegacyRemotePrefix string `json:"legacy_remote_prefix"`
}

// StepRoute builds the onboarding route of a step for this role.
func (c Capabilities) StepRoute(step StepID) string {
	return c.OnboardingPrefix + "/" + string(step)
}

var (
	stepTables   = map[Role]*StepTable{}
	capabilities = map[Role]Capabilities{}
	// stepRank is one order over the steps of every role that agrees with
	// each role's table order.
	stepRank = map[StepID]int{}
)

func init() {
	for role, defs := range defaultStepDefinitions() {
		table, err := NewStepTable(role, defs)
		if err != nil {
			panic(err)
		}
		stepTables[role] = table

		legacy := string(role)
		if role == RoleHybrid {
			legacy = string(RoleSI)
		}
		capabilities[role] = Capabilities{
			Role:               role,
			Steps:              table,
			DashboardRoute:     "/dashboard/" + string(role),
			OnboardingPrefix:   "/onboarding/" + string(role),
			LegacyRemotePrefix: legacy,
		}
	}
	if err := rankSteps(); err != nil {
		panic(err)
	}
}

func rankSteps() error {
	var nodes []string
	seen := map[string]bool{}
	precedes := map[string][]string{}
	for _, role := range Roles() {
		steps := stepTables[role].steps
		for i, st := range steps {
			id := string(st.ID)
			if !seen[id] {
				seen[id] = true
				nodes = append(nodes, id)
			}
			if i > 0 {
				precedes[id] = append(precedes[id], string(steps[i-1].ID))
			}
		}
	}

	g, err := workflows.NewDependencyGraph(nodes, precedes)
	if err != nil {
		return err
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return fmt.Errorf("step tables disagree on step order: %w", err)
	}
	for i, id := range order {
		stepRank[StepID(id)] = i
	}
	return nil
}

// TableFor returns the step table of a role.
func TableFor(role Role) (*StepTable, error) {
	t, ok := stepTables[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return t, nil
}

// CapabilitiesFor is the single lookup for role gated navigation.
func CapabilitiesFor(role Role) (Capabilities, error) {
	c, ok := capabilities[role]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return c, nil
}

// RoleForStep lists the roles whose table contains the step, sorted.
func RoleForStep(step StepID) []Role {
	var roles []Role
	for role, t := range stepTables {
		if t.Contains(step) {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func defaultStepDefinitions() map[Role][]StepDefinition {
	return map[Role][]StepDefinition{
		RoleSI: {
			{ID: StepServiceIntroduction, Title: "Service introduction", EstimatedMinutes: 2},
			{ID: StepIntegrationChoice, Title: "Choose integrations", EstimatedMinutes: 3,
				Dependencies: []StepID{StepServiceIntroduction}},
			{ID: StepBusinessSystemsSetup, Title: "Connect business systems", EstimatedMinutes: 10,
				Dependencies: []StepID{StepIntegrationChoice}},
			{ID: StepFinancialSystemsSetup, Title: "Connect financial systems", EstimatedMinutes: 8,
				Dependencies: []StepID{StepIntegrationChoice}},
			{ID: StepBankingConnections, Title: "Banking connections", EstimatedMinutes: 6,
				Dependencies: []StepID{StepFinancialSystemsSetup}},
			{ID: StepReconciliationSetup, Title: "Reconciliation rules", EstimatedMinutes: 5, Optional: true,
				Dependencies: []StepID{StepBusinessSystemsSetup, StepBankingConnections}},
			{ID: StepCompleteIntegrationSetup, Title: "Review integrations", EstimatedMinutes: 3,
				Dependencies: []StepID{StepBusinessSystemsSetup, StepBankingConnections}},
			{ID: StepOnboardingComplete, Title: "Done", EstimatedMinutes: 1,
				Dependencies: []StepID{StepCompleteIntegrationSetup}},
		},
		RoleAPP: {
			{ID: StepServiceIntroduction, Title: "Service introduction", EstimatedMinutes: 2},
			{ID: StepBusinessVerification, Title: "Business verification", EstimatedMinutes: 7,
				Dependencies: []StepID{StepServiceIntroduction}},
			{ID: StepFIRSIntegrationSetup, Title: "FIRS integration", EstimatedMinutes: 8,
				Dependencies: []StepID{StepBusinessVerification}},
			{ID: StepComplianceSettings, Title: "Compliance settings", EstimatedMinutes: 5,
				Dependencies: []StepID{StepFIRSIntegrationSetup}},
			{ID: StepTaxpayerSetup, Title: "Taxpayer onboarding", EstimatedMinutes: 6, Optional: true,
				Dependencies: []StepID{StepComplianceSettings}},
			{ID: StepOnboardingComplete, Title: "Done", EstimatedMinutes: 1,
				Dependencies: []StepID{StepComplianceSettings}},
		},
		RoleHybrid: {
			{ID: StepServiceIntroduction, Title: "Service introduction", EstimatedMinutes: 2},
			{ID: StepServiceSelection, Title: "Select services", EstimatedMinutes: 2,
				Dependencies: []StepID{StepServiceIntroduction}},
			{ID: StepBusinessVerification, Title: "Business verification", EstimatedMinutes: 7,
				Dependencies: []StepID{StepServiceSelection}},
			{ID: StepIntegrationChoice, Title: "Choose integrations", EstimatedMinutes: 3,
				Dependencies: []StepID{StepServiceSelection}},
			{ID: StepBusinessSystemsSetup, Title: "Connect business systems", EstimatedMinutes: 10,
				Dependencies: []StepID{StepIntegrationChoice}},
			{ID: StepFIRSIntegrationSetup, Title: "FIRS integration", EstimatedMinutes: 8,
				Dependencies: []StepID{StepBusinessVerification}},
			{ID: StepComplianceSettings, Title: "Compliance settings", EstimatedMinutes: 5,
				Dependencies: []StepID{StepFIRSIntegrationSetup, StepBusinessSystemsSetup}},
			{ID: StepOnboardingComplete, Title: "Done", EstimatedMinutes: 1,
				Dependencies: []StepID{StepComplianceSettings}},
		},
	}
}
