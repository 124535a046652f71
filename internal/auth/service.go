package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrUnknownIdentity = errors.New("unknown identity")
)

// Role gates API surfaces: providers see their own accounting, services call
// the backend-privileged ledger operations, admins tune parameters.
type Role string

const (
	RoleProvider Role = "provider"
	RoleService  Role = "service"
	RoleAdmin    Role = "admin"
)

// Claims carried by every issued token.
type Claims struct {
	Identity string `json:"identity"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies identity tokens. Identities and their roles
// are provisioned statically at startup; this system has no self-service
// registration.
type Service struct {
	jwtSecret string
	ttl       time.Duration
	roles     map[string]Role
	secrets   map[string]string
}

// NewService creates an auth service.
func NewService(jwtSecret string, ttl time.Duration) *Service {
	return &Service{
		jwtSecret: jwtSecret,
		ttl:       ttl,
		roles:     make(map[string]Role),
		secrets:   make(map[string]string),
	}
}

// Provision registers an identity with its shared secret and role.
func (s *Service) Provision(identity, secret string, role Role) {
	s.roles[identity] = role
	s.secrets[identity] = secret
}

// Login exchanges an identity's shared secret for a token.
func (s *Service) Login(identity, secret string) (string, error) {
	stored, ok := s.secrets[identity]
	if !ok || stored != secret {
		return "", ErrUnknownIdentity
	}
	return s.IssueToken(identity, s.roles[identity])
}

// IssueToken signs a token for an identity and role.
func (s *Service) IssueToken(identity string, role Role) (string, error) {
	claims := &Claims{
		Identity: identity,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// VerifyToken parses and validates a token, accepting a "Bearer " prefix.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
