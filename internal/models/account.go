package models

import "time"

const (
	// MaxFailedAttempts is the number of consecutive wrong passwords that locks an account.
	MaxFailedAttempts = 3
	// LockoutDuration is how long a locked account rejects logins.
	LockoutDuration = 15 * time.Minute
)

type AccountStatus int

const (
	StatusActive    AccountStatus = 1
	StatusInactive  AccountStatus = 2
	StatusSuspended AccountStatus = 3
)

func (s AccountStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

type DeletedState int

const (
	NotDeleted  DeletedState = 0
	SoftDeleted DeletedState = 1
	HardDeleted DeletedState = 2
)

type Account struct {
	AccountID    string        `json:"account_id" db:"account_id"`
	Name         string        `json:"name" db:"name"`
	Username     string        `json:"username" db:"username"`
	Email        string        `json:"email" db:"email"`
	Phone        string        `json:"phone" db:"phone"`
	PasswordHash string        `json:"-" db:"password_hash"`
	Salt         string        `json:"-" db:"salt"`
	IsAdmin      bool          `json:"is_admin" db:"is_admin"`
	Active       bool          `json:"active" db:"active"`
	Status       AccountStatus `json:"status" db:"status"`
	DeletedState DeletedState  `json:"deleted_state" db:"deleted_state"`

	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	IsLocked     bool       `json:"is_locked" db:"is_locked"`
	LockedUntil  *time.Time `json:"locked_until,omitempty" db:"locked_until"`

	CreatedOn   time.Time  `json:"created_on" db:"created_on"`
	UpdatedOn   time.Time  `json:"updated_on" db:"updated_on"`
	LastLoginOn *time.Time `json:"last_login_on,omitempty" db:"last_login_on"`

	// Version is the optimistic concurrency token. Stores increment it on every update.
	Version int64 `json:"-" db:"version"`
}

// LockActive reports whether the account is locked and the lock has not lapsed.
func (a *Account) LockActive(now time.Time) bool {
	return a.IsLocked && a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// ClearLock returns the account to Unlocked(0).
func (a *Account) ClearLock() {
	a.IsLocked = false
	a.LockedUntil = nil
	a.AttemptCount = 0
}

// Lock sets both lock fields together so IsLocked never exists without an expiry.
func (a *Account) Lock(until time.Time) {
	a.IsLocked = true
	a.LockedUntil = &until
}

// RecordFailure counts a wrong password and locks the account once the threshold is reached.
// It returns true when this failure triggered the lock.
func (a *Account) RecordFailure(now time.Time) bool {
	if a.IsLocked {
		return false
	}
	a.AttemptCount++
	a.UpdatedOn = now
	if a.AttemptCount >= MaxFailedAttempts {
		a.Lock(now.Add(LockoutDuration))
		return true
	}
	return false
}

// RecordSuccess resets lockout state and stamps the login time.
func (a *Account) RecordSuccess(now time.Time) {
	a.ClearLock()
	a.LastLoginOn = &now
	a.UpdatedOn = now
}

// IsActivated reports whether the account may log in.
func (a *Account) IsActivated() bool {
	return a.Active && a.Status == StatusActive
}

func (a *Account) Activate(now time.Time) {
	a.Active = true
	a.Status = StatusActive
	a.UpdatedOn = now
}

func (a *Account) IsDeleted() bool {
	return a.DeletedState != NotDeleted
}

// Clone returns a deep copy. Stores hand out clones so callers cannot mutate shared state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		c.LockedUntil = &t
	}
	if a.LastLoginOn != nil {
		t := *a.LastLoginOn
		c.LastLoginOn = &t
	}
	return &c
}
