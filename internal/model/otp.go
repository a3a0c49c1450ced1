package model

import "time"

// Otp is one verification code issued for one email. Used only ever flips
// from false to true; expiry is computed, never stored as a state.
type Otp struct {
	id        string
	email     string
	code      string
	expiresAt time.Time
	used      bool
	createdAt time.Time
}

type OtpSnapshot struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Code      string    `db:"code"`
	ExpiresAt time.Time `db:"expires_at"`
	Used      bool      `db:"used"`
	CreatedAt time.Time `db:"created_at"`
}

func NewOtp(id, email, code string, now time.Time, validFor time.Duration) *Otp {
	return &Otp{
		id:        id,
		email:     NormalizeEmail(email),
		code:      code,
		expiresAt: now.Add(validFor),
		createdAt: now,
	}
}

func RestoreOtp(s OtpSnapshot) *Otp {
	return &Otp{
		id:        s.ID,
		email:     s.Email,
		code:      s.Code,
		expiresAt: s.ExpiresAt,
		used:      s.Used,
		createdAt: s.CreatedAt,
	}
}

func (o *Otp) Snapshot() OtpSnapshot {
	return OtpSnapshot{
		ID:        o.id,
		Email:     o.email,
		Code:      o.code,
		ExpiresAt: o.expiresAt,
		Used:      o.used,
		CreatedAt: o.createdAt,
	}
}

func (o *Otp) ID() string           { return o.id }
func (o *Otp) Email() string        { return o.email }
func (o *Otp) Code() string         { return o.code }
func (o *Otp) ExpiresAt() time.Time { return o.expiresAt }
func (o *Otp) Used() bool           { return o.used }
func (o *Otp) CreatedAt() time.Time { return o.createdAt }

// IsExpired reports whether the validity window has closed at now.
func (o *Otp) IsExpired(now time.Time) bool { return !now.Before(o.expiresAt) }

// IsValid reports whether the code can still be consumed at now.
func (o *Otp) IsValid(now time.Time) bool { return !o.used && now.Before(o.expiresAt) }

// MarkUsed consumes the code. A second call fails and changes nothing.
func (o *Otp) MarkUsed() error {
	if o.used {
		return ErrOtpAlreadyUsed
	}
	o.used = true
	return nil
}
