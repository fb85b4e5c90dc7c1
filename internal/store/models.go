package store

import (
	"time"

	"github.com/classpoint/ragserver/internal/auth"
)

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	Role         auth.Role `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
