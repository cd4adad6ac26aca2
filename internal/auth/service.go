package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AuthService checks request credentials against the configured users and
// tokens. It is immutable after construction and safe for concurrent use.
type AuthService struct {
	users  map[string]User
	tokens []hashedToken
}

type hashedToken struct {
	name string
	sum  [32]byte
	role Role
}

func NewAuthService(cfg Config) (*AuthService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &AuthService{users: make(map[string]User, len(cfg.Users))}
	for _, u := range cfg.Users {
		s.users[u.Username] = u
	}
	for _, t := range cfg.Tokens {
		s.tokens = append(s.tokens, hashedToken{name: t.Name, sum: sha256.Sum256([]byte(t.Value)), role: t.Role})
	}
	return s, nil
}

// Validate reports the first malformed user or token.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Users) == 0 && len(c.Tokens) == 0 {
		return errors.New("auth enabled without users or tokens")
	}
	seen := map[string]bool{}
	for _, u := range c.Users {
		if u.Username == "" {
			return errors.New("auth user without username")
		}
		if seen[u.Username] {
			return fmt.Errorf("duplicate auth user %q", u.Username)
		}
		seen[u.Username] = true
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("auth user %q: password_hash is not a bcrypt hash", u.Username)
		}
		if !u.Role.valid() {
			return fmt.Errorf("auth user %q: unknown role %q", u.Username, u.Role)
		}
	}
	for _, t := range c.Tokens {
		if len(t.Value) < 16 {
			return fmt.Errorf("auth token %q shorter than 16 characters", t.Name)
		}
		if !t.Role.valid() {
			return fmt.Errorf("auth token %q: unknown role %q", t.Name, t.Role)
		}
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for User.PasswordHash.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Authenticate tries a bearer token first, then basic auth.
func (s *AuthService) Authenticate(r *http.Request) (*AuthResult, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return s.bearer(strings.TrimSpace(parts[1]))
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		return s.basic(username, password)
	}
	return &AuthResult{Success: false}, ErrInvalidCredentials
}

func (s *AuthService) bearer(value string) (*AuthResult, error) {
	sum := sha256.Sum256([]byte(value))
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare(sum[:], t.sum[:]) == 1 {
			return &AuthResult{Success: true, Subject: t.name, Method: AuthMethodBearer, Role: t.role}, nil
		}
	}
	return &AuthResult{Success: false}, ErrInvalidCredentials
}

func (s *AuthService) basic(username, password string) (*AuthResult, error) {
	u, ok := s.users[username]
	if !ok {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return &AuthResult{Success: true, Subject: u.Username, Method: AuthMethodBasic, Role: u.Role}, nil
}

// HasPermission reports whether role may perform actions requiring need.
func HasPermission(role, need Role) bool {
	switch need {
	case RoleViewer:
		return role == RoleViewer || role == RoleOperator
	case RoleOperator:
		return role == RoleOperator
	default:
		return false
	}
}

func (r Role) valid() bool { return r == RoleViewer || r == RoleOperator }
