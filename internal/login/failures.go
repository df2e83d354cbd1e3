package login

import (
	"sync"
	"time"
)

// DefaultFailureWindow bounds how long a failed attempt keeps counting
// against an account.
const DefaultFailureWindow = 15 * time.Minute

// Failures tracks recent failed login attempts per username in memory.
// The count feeds the risk engine; losing it on restart only lowers risk
// temporarily, so process-local state is acceptable here.
type Failures struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	byUser map[string][]time.Time
}

// NewFailures constructs a tracker with the given window; zero means
// DefaultFailureWindow.
func NewFailures(window time.Duration, now func() time.Time) *Failures {
	if window <= 0 {
		window = DefaultFailureWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Failures{
		window: window,
		now:    now,
		byUser: make(map[string][]time.Time),
	}
}

// Record notes one failed attempt for username.
func (f *Failures) Record(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[username] = append(f.prune(username), f.now())
}

// Count returns the number of failures inside the window.
func (f *Failures) Count(username string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.prune(username)
	if len(kept) == 0 {
		delete(f.byUser, username)
	} else {
		f.byUser[username] = kept
	}
	return len(kept)
}

// Reset clears the account's failures after a successful login.
func (f *Failures) Reset(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byUser, username)
}

func (f *Failures) prune(username string) []time.Time {
	cutoff := f.now().Add(-f.window)
	var kept []time.Time
	for _, at := range f.byUser[username] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}
