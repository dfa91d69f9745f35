// Package auth issues and verifies agent credentials: a random API key at
// registration, exchanged for a short-lived JWT at login.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"agentmarket/apperr"
)

var (
	// ErrInvalidCredentials signals an unknown agent or a wrong API key.
	ErrInvalidCredentials = apperr.New(apperr.Unauthorized, "auth: invalid credentials")
	// ErrInvalidToken signals a bearer token that failed verification.
	ErrInvalidToken = apperr.New(apperr.Unauthorized, "auth: invalid token")
	// ErrAdminNotAllowed signals an admin registration without the admin secret.
	ErrAdminNotAllowed = apperr.New(apperr.Forbidden, "auth: admin registration not allowed")
)

const apiKeyPrefix = "am_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Service handles authentication business logic.
type Service struct {
	repo        Repository
	jwtSecret   []byte
	tokenTTL    time.Duration
	adminSecret string
	log         *zap.Logger
	now         func() time.Time
}

func NewService(repo Repository, jwtSecret string, tokenTTL time.Duration, log *zap.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		log:       log,
		now:       time.Now,
	}
}

// WithAdminSecret enables admin registrations that present secret.
func (s *Service) WithAdminSecret(secret string) *Service {
	s.adminSecret = secret
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates an agent and returns its API key. The key is shown once;
// only its bcrypt hash is stored.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		return RegisterResult{}, apperr.FromValidator("auth: register", err)
	}

	role := req.Role
	if role == "" {
		role = RoleAgent
	}
	if role == RoleAdmin && !s.adminAllowed(req.AdminSecret) {
		return RegisterResult{}, ErrAdminNotAllowed
	}

	key, err := newAPIKey()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("auth: generate api key: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("auth: hash api key: %w", err)
	}

	agent, err := s.repo.CreateAgent(ctx, CreateAgentParams{
		Name:       req.Name,
		Role:       role,
		APIKeyHash: string(hash),
	})
	if err != nil {
		return RegisterResult{}, err
	}

	s.log.Info("agent registered", zap.String("agent_id", agent.ID), zap.String("role", string(agent.Role)))
	return RegisterResult{Agent: agent, APIKey: key}, nil
}

// Login verifies an API key and returns a signed JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	if err := validate.Struct(req); err != nil {
		return LoginResult{}, apperr.FromValidator("auth: login", err)
	}

	agent, err := s.repo.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(agent.APIKeyHash), []byte(req.APIKey)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	expiresAt := s.now().Add(s.tokenTTL)
	token, err := s.generateToken(agent.ID, agent.Role, expiresAt)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{Token: token, ExpiresAt: expiresAt, Agent: agent}, nil
}

// GetAgent retrieves agent information by ID.
func (s *Service) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	return s.repo.GetAgent(ctx, agentID)
}

// VerifyToken validates a JWT and returns the agent ID and role it carries.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", apperr.Wrapf(ErrInvalidToken, "%v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	agentID, ok := claims["agent_id"].(string)
	if !ok || agentID == "" {
		return "", "", apperr.Wrapf(ErrInvalidToken, "missing agent_id")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", apperr.Wrapf(ErrInvalidToken, "missing role")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", "", apperr.Wrapf(ErrInvalidToken, "unknown role %q", roleStr)
	}
	return agentID, role, nil
}

func (s *Service) generateToken(agentID string, role Role, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"agent_id": agentID,
		"role":     string(role),
		"exp":      expiresAt.Unix(),
		"iat":      s.now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Service) adminAllowed(presented string) bool {
	if s.adminSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.adminSecret)) == 1
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAgent, RoleAdmin:
		return true
	default:
		return false
	}
}
