package users

import (
	"time"

	"github.com/jmehdipour/onboarding/internal/model"
)

type RegisterCommand struct {
	Email string `json:"email" validate:"required,email_addr"`
	Name  string `json:"name" validate:"notblank,max=200"`
}

type RegisterResponse struct {
	UserID       string           `json:"user_id"`
	Email        string           `json:"email"`
	Status       model.UserStatus `json:"status"`
	OtpExpiresAt time.Time        `json:"otp_expires_at"`
}

type VerifyCommand struct {
	Email string `json:"email" validate:"required,email_addr"`
	Code  string `json:"code" validate:"notblank,max=20"`
}

type VerifyResponse struct {
	UserID          string           `json:"user_id"`
	Email           string           `json:"email"`
	Status          model.UserStatus `json:"status"`
	ExternalRef     string           `json:"external_ref"`
	AlreadyVerified bool             `json:"already_verified"`
}

type SyncCommand struct {
	Email       string `json:"email" validate:"required,email_addr"`
	Name        string `json:"name" validate:"notblank,max=200"`
	ExternalRef string `json:"external_ref" validate:"notblank,max=128"`
}

type SyncResponse struct {
	UserID      string           `json:"user_id"`
	Email       string           `json:"email"`
	Name        string           `json:"name"`
	Status      model.UserStatus `json:"status"`
	ExternalRef string           `json:"external_ref"`
	Created     bool             `json:"created"`
}
