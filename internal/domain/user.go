package domain

import "time"

// UserStatus represents lifecycle states for an identity account.
type UserStatus string

const (
	UserStatusActive    UserStatus = "ACTIVE"
	UserStatusSuspended UserStatus = "SUSPENDED"
)

// User is the credential record owned by the identity provider.
type User struct {
	ID           string
	FullName     string
	Email        string
	PasswordHash string
	CPF          *string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
