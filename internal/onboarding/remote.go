package onboarding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteBackend is the upstream onboarding state API.
type RemoteBackend interface {
	// Fetch returns nil, nil when the route answers 404. The store then still
	// asks the next remote, since an undeployed route answers 404 as well.
	Fetch(ctx context.Context, user User) (*Progress, error)
	Update(ctx context.Context, user User, p *Progress) error
	Complete(ctx context.Context, user User) error
	Reset(ctx context.Context, user User) error
}

// remoteState is the wire shape of the state endpoint.
type remoteState struct {
	CurrentStep    StepID     `json:"current_step"`
	CompletedSteps []StepID   `json:"completed_steps"`
	HasStarted     bool       `json:"has_started"`
	IsComplete     bool       `json:"is_complete"`
	LastActiveDate *time.Time `json:"last_active_date,omitempty"`
	Metadata       Metadata   `json:"metadata"`
}

func toRemoteState(p *Progress) remoteState {
	last := p.LastActiveDate
	return remoteState{
		CurrentStep:    p.CurrentStep,
		CompletedSteps: p.CompletedSteps.Slice(),
		HasStarted:     p.HasStarted,
		IsComplete:     p.IsComplete,
		LastActiveDate: &last,
		Metadata:       p.Metadata,
	}
}

func (s remoteState) toProgress(user User) *Progress {
	p := &Progress{
		UserID:         user.ID,
		Role:           user.Role,
		CurrentStep:    s.CurrentStep,
		CompletedSteps: NewStepSet(s.CompletedSteps...),
		HasStarted:     s.HasStarted,
		IsComplete:     s.IsComplete,
		Metadata:       s.Metadata,
	}
	if s.LastActiveDate != nil {
		p.LastActiveDate = *s.LastActiveDate
	}
	return p
}

// HTTPRemote talks to one family of state routes.
type HTTPRemote struct {
	name    string
	baseURL string
	client  *http.Client
	prefix  func(Role) string
}

// NewUnifiedRemote targets {base}/api/v1/onboarding.
func NewUnifiedRemote(baseURL string, client *http.Client) *HTTPRemote {
	return newHTTPRemote("unified", baseURL, client, func(Role) string {
		return "/api/v1/onboarding"
	})
}

// NewLegacyRemote targets the role specific routes, {base}/api/v1/{si|app}/onboarding.
func NewLegacyRemote(baseURL string, client *http.Client) *HTTPRemote {
	return newHTTPRemote("legacy", baseURL, client, func(role Role) string {
		prefix := string(RoleSI)
		if caps, err := CapabilitiesFor(role); err == nil {
			prefix = caps.LegacyRemotePrefix
		}
		return "/api/v1/" + prefix + "/onboarding"
	})
}

func newHTTPRemote(name, baseURL string, client *http.Client, prefix func(Role) string) *HTTPRemote {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRemote{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		prefix:  prefix,
	}
}

func (r *HTTPRemote) Name() string { return r.name }

func (r *HTTPRemote) Fetch(ctx context.Context, user User) (*Progress, error) {
	resp, err := r.do(ctx, user, http.MethodGet, "/state", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var state remoteState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("%s remote: failed to decode state: %w", r.name, err)
	}
	return state.toProgress(user), nil
}

func (r *HTTPRemote) Update(ctx context.Context, user User, p *Progress) error {
	return r.send(ctx, user, http.MethodPut, "/state", toRemoteState(p))
}

func (r *HTTPRemote) Complete(ctx context.Context, user User) error {
	return r.send(ctx, user, http.MethodPost, "/complete", map[string]interface{}{
		"completed_at": time.Now().UTC(),
	})
}

func (r *HTTPRemote) Reset(ctx context.Context, user User) error {
	return r.send(ctx, user, http.MethodDelete, "/state", nil)
}

func (r *HTTPRemote) send(ctx context.Context, user User, method, path string, body interface{}) error {
	resp, err := r.do(ctx, user, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (r *HTTPRemote) do(ctx context.Context, user User, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s remote: failed to encode body: %w", r.name, err)
		}
		reader = bytes.NewReader(data)
	}

	url := r.baseURL + r.prefix(user.Role) + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%s remote: %w", r.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user.Token != "" {
		req.Header.Set("Authorization", "Bearer "+user.Token)
	}
	req.Header.Set("X-User-ID", user.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s remote: %w: %v", r.name, ErrRemoteUnavailable, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %s %s returned %d: %s", ErrRemoteUnavailable,
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
}
