package model

import (
	"time"
)

// Role is an agent's permission level.
type Role string

const (
	RoleAgent      Role = "AGENT"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAdmin      Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleSupervisor || r == RoleAdmin
}

// Agent is an operator identity, keyed by the authentication system's user ID
// once reconciled.
type Agent struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	Online      bool      `json:"online"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProvisionAgentRequest pre-authorises an agent before their first login.
type ProvisionAgentRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=120"`
	Email       string `json:"email" validate:"required,email"`
	Role        Role   `json:"role" validate:"omitempty,oneof=AGENT SUPERVISOR ADMIN"`
}
