// Package auth checks end-user credentials for the interaction API and
// hashes passwords and client secrets.
package auth

import (
	"sync"
	"time"
)

// LockoutService tracks failed login attempts per tenant user and blocks
// further attempts for a while once the threshold is reached.
type LockoutService struct {
	maxAttempts int
	duration    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attempts map[string]*lockoutEntry
}

type lockoutEntry struct {
	count    int
	lockedAt time.Time
}

// NewLockoutService creates a LockoutService. maxAttempts <= 0 disables lockout.
func NewLockoutService(maxAttempts int, duration time.Duration) *LockoutService {
	return &LockoutService{
		maxAttempts: maxAttempts,
		duration:    duration,
		now:         time.Now,
		attempts:    make(map[string]*lockoutEntry),
	}
}

// LockoutKey scopes a username to its tenant.
func LockoutKey(tenantID, username string) string {
	return tenantID + "\x00" + username
}

func (s *LockoutService) enabled() bool {
	return s != nil && s.maxAttempts > 0
}

// entryLocked returns the entry for key after dropping an elapsed lock. Callers hold mu.
func (s *LockoutService) entryLocked(key string) *lockoutEntry {
	entry, ok := s.attempts[key]
	if !ok {
		return nil
	}
	if !entry.lockedAt.IsZero() && s.now().Sub(entry.lockedAt) >= s.duration {
		delete(s.attempts, key)
		return nil
	}
	return entry
}

// IsLocked reports whether key is currently locked.
func (s *LockoutService) IsLocked(key string) bool {
	if !s.enabled() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(key)
	return entry != nil && !entry.lockedAt.IsZero()
}

// RecordFailure records a failed attempt and reports whether key is now locked.
func (s *LockoutService) RecordFailure(key string) bool {
	if !s.enabled() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(key)
	if entry == nil {
		entry = &lockoutEntry{}
		s.attempts[key] = entry
	}
	entry.count++
	if entry.count >= s.maxAttempts {
		entry.lockedAt = s.now()
		return true
	}
	return false
}

// RecordSuccess clears failed attempts after a successful login.
func (s *LockoutService) RecordSuccess(key string) {
	if !s.enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, key)
}

// RemainingAttempts returns how many failures are left before lockout, or -1 when disabled.
func (s *LockoutService) RemainingAttempts(key string) int {
	if !s.enabled() {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(key)
	if entry == nil {
		return s.maxAttempts
	}
	return max(s.maxAttempts-entry.count, 0)
}

// LockoutRemaining returns the time until key is unlocked, or 0 when not locked.
func (s *LockoutService) LockoutRemaining(key string) time.Duration {
	if !s.enabled() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(key)
	if entry == nil || entry.lockedAt.IsZero() {
		return 0
	}
	return s.duration - s.now().Sub(entry.lockedAt)
}
