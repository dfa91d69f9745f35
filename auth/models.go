package auth

import "time"

type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Agent mirrors the agents table. The API key itself is never stored.
type Agent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RegisterRequest contains agent registration data supplied by callers.
type RegisterRequest struct {
	Name        string `json:"name" validate:"required,max=128"`
	Role        Role   `json:"role" validate:"omitempty,oneof=agent admin"`
	AdminSecret string `json:"admin_secret,omitempty"`
}

// RegisterResult carries the only copy of the plaintext API key.
type RegisterResult struct {
	Agent  Agent  `json:"agent"`
	APIKey string `json:"api_key"`
}

// LoginRequest exchanges an agent's API key for a bearer token.
type LoginRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
	APIKey  string `json:"api_key" validate:"required"`
}

type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Agent     Agent     `json:"agent"`
}
