package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"einvoice-portal/onboarding-backend/pkg/kvstore"
)

// LocalBackend is the local mirror of onboarding state.
type LocalBackend interface {
	LoadProgress(ctx context.Context, userID string) (*Progress, error)
	SaveProgress(ctx context.Context, p *Progress) error
	ClearProgress(ctx context.Context, userID string) error

	LoadResumeState(ctx context.Context, userID string) (*ResumeSessionState, error)
	SaveResumeState(ctx context.Context, userID string, state *ResumeSessionState) error
	ClearResumeState(ctx context.Context, userID string) error
}

const (
	progressKeyPrefix = "onboarding_progress:"
	resumeKeyPrefix   = "onboarding_resume:"
)

type kvLocalBackend struct {
	store kvstore.Store
}

// NewLocalBackend stores progress and resume state as JSON in a kv store.
func NewLocalBackend(store kvstore.Store) LocalBackend {
	return &kvLocalBackend{store: store}
}

// LoadProgress returns nil, nil when nothing is cached.
func (b *kvLocalBackend) LoadProgress(ctx context.Context, userID string) (*Progress, error) {
	var p Progress
	found, err := b.get(ctx, progressKeyPrefix+userID, &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (b *kvLocalBackend) SaveProgress(ctx context.Context, p *Progress) error {
	return b.set(ctx, progressKeyPrefix+p.UserID, p)
}

func (b *kvLocalBackend) ClearProgress(ctx context.Context, userID string) error {
	return b.store.Delete(ctx, progressKeyPrefix+userID)
}

func (b *kvLocalBackend) LoadResumeState(ctx context.Context, userID string) (*ResumeSessionState, error) {
	var s ResumeSessionState
	found, err := b.get(ctx, resumeKeyPrefix+userID, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

func (b *kvLocalBackend) SaveResumeState(ctx context.Context, userID string, state *ResumeSessionState) error {
	return b.set(ctx, resumeKeyPrefix+userID, state)
}

func (b *kvLocalBackend) ClearResumeState(ctx context.Context, userID string) error {
	return b.store.Delete(ctx, resumeKeyPrefix+userID)
}

func (b *kvLocalBackend) get(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := b.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("corrupt local entry %s: %w", key, err)
	}
	return true, nil
}

func (b *kvLocalBackend) set(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.store.Set(ctx, key, data)
}
