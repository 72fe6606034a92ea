package onboarding

import (
	"errors"
	"fmt"
)

var (
	ErrUserRequired        = errors.New("user is required")
	ErrUnknownRole         = errors.New("unknown role")
	ErrUnknownStep         = errors.New("unknown step")
	ErrStepNotOptional     = errors.New("step cannot be skipped")
	ErrRemoteUnavailable   = errors.New("onboarding state service unavailable")
	ErrProgressUnavailable = errors.New("onboarding progress unavailable")
)

// SyncError reports that a mutation was applied locally but neither remote
// route accepted it. The returned progress is still the locally applied state.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: remote sync failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsSyncError reports whether err only signals a failed remote sync.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
