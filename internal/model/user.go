package model

import (
	"strings"
	"time"
)

type UserStatus string

const (
	UserStatusPending UserStatus = "pending_verification"
	UserStatusActive  UserStatus = "active"
)

func (s UserStatus) String() string { return string(s) }

func (s UserStatus) Valid() bool {
	return s == UserStatusPending || s == UserStatusActive
}

// User is the aggregate root. State changes only through its methods; events
// raised by those methods stay buffered until PullEvents is called at save time.
type User struct {
	id          string
	email       string
	name        string
	status      UserStatus
	externalRef string
	deleted     bool
	createdAt   time.Time
	updatedAt   time.Time

	events []Event
}

// UserSnapshot is the flat persisted form of a User.
type UserSnapshot struct {
	ID          string     `db:"id"`
	Email       string     `db:"email"`
	Name        string     `db:"name"`
	Status      UserStatus `db:"status"`
	ExternalRef *string    `db:"external_ref"` // nullable
	IsDeleted   bool       `db:"is_deleted"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// NewPendingUser creates a user awaiting OTP verification.
func NewPendingUser(id, email, name string, now time.Time) *User {
	return &User{
		id:        id,
		email:     NormalizeEmail(email),
		name:      strings.TrimSpace(name),
		status:    UserStatusPending,
		createdAt: now,
		updatedAt: now,
	}
}

// NewSyncedUser creates an already active user bound to an identity provider subject.
func NewSyncedUser(id, email, name, externalRef string, now time.Time) (*User, error) {
	u := NewPendingUser(id, email, name, now)
	if err := u.SetExternalRef(externalRef, now); err != nil {
		return nil, err
	}
	u.status = UserStatusActive
	return u, nil
}

func RestoreUser(s UserSnapshot) *User {
	u := &User{
		id:        s.ID,
		email:     s.Email,
		name:      s.Name,
		status:    s.Status,
		deleted:   s.IsDeleted,
		createdAt: s.CreatedAt,
		updatedAt: s.UpdatedAt,
	}
	if s.ExternalRef != nil {
		u.externalRef = *s.ExternalRef
	}
	return u
}

func (u *User) Snapshot() UserSnapshot {
	s := UserSnapshot{
		ID:        u.id,
		Email:     u.email,
		Name:      u.name,
		Status:    u.status,
		IsDeleted: u.deleted,
		CreatedAt: u.createdAt,
		UpdatedAt: u.updatedAt,
	}
	if u.externalRef != "" {
		ref := u.externalRef
		s.ExternalRef = &ref
	}
	return s
}

func (u *User) ID() string           { return u.id }
func (u *User) Email() string        { return u.email }
func (u *User) Name() string         { return u.name }
func (u *User) Status() UserStatus   { return u.status }
func (u *User) IsActive() bool       { return u.status == UserStatusActive }
func (u *User) IsDeleted() bool      { return u.deleted }
func (u *User) CreatedAt() time.Time { return u.createdAt }
func (u *User) UpdatedAt() time.Time { return u.updatedAt }

// ExternalRef returns the identity provider subject and whether it is set.
func (u *User) ExternalRef() (string, bool) {
	return u.externalRef, u.externalRef != ""
}

// RecordRegistration raises UserRegistrationRequested for the issued code.
func (u *User) RecordRegistration(otpCode string, now time.Time) {
	u.raise(UserRegistrationRequested{
		UserID:   u.id,
		Email:    u.email,
		Name:     u.name,
		OtpCode:  otpCode,
		Occurred: now,
	})
}

// SetExternalRef binds the user to an identity provider subject. The
// reference is write-once: setting the same value again is a no-op, a
// different value is rejected.
func (u *User) SetExternalRef(ref string, now time.Time) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ErrEmptyExternalRef
	}
	if u.externalRef == ref {
		return nil
	}
	if u.externalRef != "" {
		return ErrExternalRefAlreadySet
	}
	u.externalRef = ref
	u.updatedAt = now
	return nil
}

// Activate moves a pending user to active and raises UserVerified.
// Activating an active user does nothing.
func (u *User) Activate(now time.Time) error {
	if u.status == UserStatusActive {
		return nil
	}
	if u.externalRef == "" {
		return ErrMissingExternalRef
	}
	u.status = UserStatusActive
	u.updatedAt = now
	u.raise(UserVerified{
		UserID:      u.id,
		Email:       u.email,
		ExternalRef: u.externalRef,
		Occurred:    now,
	})
	return nil
}

func (u *User) UpdateName(name string, now time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if name == u.name {
		return nil
	}
	u.name = name
	u.updatedAt = now
	return nil
}

// Delete soft-deletes the user.
func (u *User) Delete(now time.Time) {
	if u.deleted {
		return
	}
	u.deleted = true
	u.updatedAt = now
}

// PullEvents returns the buffered events and clears the buffer.
func (u *User) PullEvents() []Event {
	out := u.events
	u.events = nil
	return out
}

func (u *User) raise(e Event) { u.events = append(u.events, e) }
