package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the sync core. Callers match with errors.Is so wrapped
// variants keep their classification.
var (
	// ErrProviderTokenRevoked means the provider rejected the refresh token
	// outright. Terminal for the connection until the user reconnects.
	ErrProviderTokenRevoked = errors.New("provider token revoked")

	// ErrTokenRefreshTransient covers refresh failures that are worth retrying
	// on the next sync cycle (network, 5xx, throttling on the token endpoint).
	ErrTokenRefreshTransient = errors.New("token refresh failed")

	// ErrRateLimitExceeded is raised after the rate-limit back-off gives up.
	ErrRateLimitExceeded = errors.New("provider rate limit exceeded")

	// ErrRequiresFullSync means the incremental path cannot proceed: either no
	// history cursor is stored or the provider declared the cursor expired.
	ErrRequiresFullSync = errors.New("full sync required")

	ErrConnectionNotFound  = errors.New("email connection not found")
	ErrFolderNotFound      = errors.New("folder not found")
	ErrJobNotFound         = errors.New("sync job not found")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// ConflictingJobError is returned by enqueue when the connection already has a
// non-terminal job. It carries the existing job id so callers can treat the
// conflict as "already running" and hand that id back to the user.
type ConflictingJobError struct {
	ExistingJobID string
}

func (e *ConflictingJobError) Error() string {
	if e.ExistingJobID == "" {
		return "sync already in progress"
	}
	return fmt.Sprintf("sync already in progress (job %s)", e.ExistingJobID)
}

// ConflictingJobID unwraps err looking for a ConflictingJobError and returns
// the id of the job that is already running.
func ConflictingJobID(err error) (string, bool) {
	var conflict *ConflictingJobError
	if errors.As(err, &conflict) {
		return conflict.ExistingJobID, true
	}
	return "", false
}

// IsTokenRevokedMessage reports whether a provider error message indicates the
// grant is gone for good rather than a transient refresh failure.
func IsTokenRevokedMessage(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	switch {
	case strings.Contains(msg, "invalid_grant"):
		return true
	case strings.Contains(msg, "token has been expired or revoked"):
		return true
	case strings.Contains(msg, "token has been revoked"):
		return true
	case strings.Contains(msg, "invalid_rapt"):
		return true
	default:
		return false
	}
}

// IsRateLimitMessage reports whether a provider error message is a rate-limit
// rejection. Gmail surfaces these as 429s or quota texts.
func IsRateLimitMessage(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	switch {
	case strings.Contains(msg, "429"):
		return true
	case strings.Contains(msg, "quota"):
		return true
	case strings.Contains(msg, "rate"):
		return true
	case strings.Contains(msg, "limit"):
		return true
	default:
		return false
	}
}

// IsInvalidHistoryMessage reports whether a provider error message means the
// stored history cursor is too old to resume from.
func IsInvalidHistoryMessage(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	switch {
	case strings.Contains(msg, "invalid historyid"):
		return true
	case strings.Contains(msg, "starthistoryid"):
		return true
	case strings.Contains(msg, "error 404"):
		return true
	default:
		return false
	}
}
