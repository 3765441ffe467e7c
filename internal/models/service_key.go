package models

import (
	"github.com/google/uuid"
)

// ServiceKey authenticates an external collaborator such as the verifier bot.
type ServiceKey struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	KeyPrefix string    `json:"key_prefix"`
	IsActive  bool      `json:"is_active"`
}
