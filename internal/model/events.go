package model

import "time"

const (
	EventUserRegistrationRequested = "user.registration_requested"
	EventUserVerified              = "user.verified"
)

// Event is a domain event raised by an aggregate and captured into the outbox.
type Event interface {
	EventType() string
	AggregateID() string
	OccurredAt() time.Time
}

// UserRegistrationRequested is raised when a pending user receives an OTP.
type UserRegistrationRequested struct {
	UserID   string    `json:"user_id"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	OtpCode  string    `json:"otp_code"`
	Occurred time.Time `json:"occurred_at"`
}

func (e UserRegistrationRequested) EventType() string     { return EventUserRegistrationRequested }
func (e UserRegistrationRequested) AggregateID() string   { return e.UserID }
func (e UserRegistrationRequested) OccurredAt() time.Time { return e.Occurred }

// UserVerified is raised when a user is activated and bound to the identity provider.
type UserVerified struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	ExternalRef string    `json:"external_ref"`
	Occurred    time.Time `json:"occurred_at"`
}

func (e UserVerified) EventType() string     { return EventUserVerified }
func (e UserVerified) AggregateID() string   { return e.UserID }
func (e UserVerified) OccurredAt() time.Time { return e.Occurred }
