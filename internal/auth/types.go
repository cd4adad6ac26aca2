package auth

import "errors"

// AuthMethod is how a request proved its identity.
type AuthMethod string

const (
	AuthMethodBasic  AuthMethod = "basic"  // username/password
	AuthMethodBearer AuthMethod = "bearer" // static API token
)

// Role grants access to a set of control API actions. An operator can do
// everything a viewer can.
type Role string

const (
	RoleViewer   Role = "viewer"   // status, listings, logs
	RoleOperator Role = "operator" // start, stop, restart, execute
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthResult represents the result of authentication
type AuthResult struct {
	Success bool       `json:"success"`
	Subject string     `json:"subject,omitempty"`
	Method  AuthMethod `json:"method,omitempty"`
	Role    Role       `json:"role,omitempty"`
}

// Config enables authentication on the control API. Disabled means every
// request is let through.
type Config struct {
	Enabled bool    `toml:"enabled" mapstructure:"enabled"`
	Users   []User  `toml:"users" mapstructure:"users"`
	Tokens  []Token `toml:"tokens" mapstructure:"tokens"`
}

// User authenticates with HTTP basic auth. PasswordHash is a bcrypt hash.
type User struct {
	Username     string `toml:"username" mapstructure:"username"`
	PasswordHash string `toml:"password_hash" mapstructure:"password_hash"`
	Role         Role   `toml:"role" mapstructure:"role"`
}

// Token authenticates with "Authorization: Bearer <value>".
type Token struct {
	Name  string `toml:"name" mapstructure:"name"`
	Value string `toml:"value" mapstructure:"value"`
	Role  Role   `toml:"role" mapstructure:"role"`
}
