package model

import (
	"sync"
	"time"

	appErr "autograde/pkg/errors"
)

// AttemptWindows maps assignment ids to the time an attempt stays open.
// The owner passes it to whatever computes expiry; there is no shared default.
type AttemptWindows struct {
	mu  sync.RWMutex
	ttl map[string]time.Duration
}

// NewAttemptWindows copies initial into a new set of windows. Non-positive
// durations are dropped.
func NewAttemptWindows(initial map[string]time.Duration) *AttemptWindows {
	w := &AttemptWindows{ttl: make(map[string]time.Duration, len(initial))}
	for id, ttl := range initial {
		w.Set(id, ttl)
	}
	return w
}

// Set installs ttl for assignmentID. A non-positive ttl removes the window.
func (w *AttemptWindows) Set(assignmentID string, ttl time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ttl <= 0 {
		delete(w.ttl, assignmentID)
		return
	}
	w.ttl[assignmentID] = ttl
}

// TTL returns the window of assignmentID.
func (w *AttemptWindows) TTL(assignmentID string) (time.Duration, bool) {
	if w == nil {
		return 0, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	ttl, ok := w.ttl[assignmentID]
	return ttl, ok
}

// ExpiresAt returns when an attempt started at startedAt closes.
func (w *AttemptWindows) ExpiresAt(assignmentID string, startedAt time.Time) (time.Time, bool) {
	ttl, ok := w.TTL(assignmentID)
	if !ok || startedAt.IsZero() {
		return time.Time{}, false
	}
	return startedAt.Add(ttl), true
}

// Check fails with AttemptExpired when now is past the attempt's window.
// Assignments without a window never expire.
func (w *AttemptWindows) Check(assignmentID string, startedAt, now time.Time) error {
	expiresAt, ok := w.ExpiresAt(assignmentID, startedAt)
	if !ok || !now.After(expiresAt) {
		return nil
	}
	return appErr.Newf(appErr.AttemptExpired, "attempt for %s expired at %s", assignmentID, expiresAt.Format(time.RFC3339)).
		WithDetail("assignment_id", assignmentID).
		WithDetail("expires_at", expiresAt)
}
