package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/serverbound/syncengine/internal/models"
	"github.com/serverbound/syncengine/internal/repositories"
	"github.com/serverbound/syncengine/internal/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailExists        = errors.New("email already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrSessionRevoked     = errors.New("session revoked or expired")
)

type AuthService struct {
	accountRepo repositories.AccountRepository
	agentRepo   repositories.AgentRepository
	sessionRepo repositories.SessionRepository
	jwtSecret   string
	jwtExpiry   time.Duration
}

type LoginRequest struct {
	Email     string
	Password  string
	AgentID   *uuid.UUID // Optional - nil means register a new agent
	AgentName string
	AgentType string
}

type LoginResponse struct {
	Token     string
	ExpiresAt time.Time
	AgentID   uuid.UUID
	AccountID uuid.UUID
}

type TokenClaims struct {
	AccountID uuid.UUID
	AgentID   uuid.UUID
	SessionID string
}

func NewAuthService(
	accountRepo repositories.AccountRepository,
	agentRepo repositories.AgentRepository,
	sessionRepo repositories.SessionRepository,
	jwtSecret string,
	jwtExpiry time.Duration,
) *AuthService {
	return &AuthService{
		accountRepo: accountRepo,
		agentRepo:   agentRepo,
		sessionRepo: sessionRepo,
		jwtSecret:   jwtSecret,
		jwtExpiry:   jwtExpiry,
	}
}

func (s *AuthService) Register(ctx context.Context, email, password string) error {
	// Check if email already exists
	existing, err := s.accountRepo.GetByEmail(ctx, email)
	if err == nil && existing != nil {
		return ErrEmailExists
	}
	if err != nil && err != repositories.ErrNotFound {
		return fmt.Errorf("failed to check email: %w", err)
	}

	hashedPassword, err := utils.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	account := &models.Account{
		Email:        email,
		PasswordHash: hashedPassword,
	}

	err = s.accountRepo.Create(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	// Validate credentials
	account, err := s.accountRepo.GetByEmail(ctx, req.Email)
	if err == repositories.ErrNotFound {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if !utils.CheckPassword(account.PasswordHash, req.Password) {
		return nil, ErrInvalidCredentials
	}

	// Handle agent identity
	var agent *models.Agent
	if req.AgentID != nil {
		agent, err = s.agentRepo.GetByID(ctx, *req.AgentID)
		if err == repositories.ErrNotFound {
			return nil, errors.New("agent not found")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get agent: %w", err)
		}
		if agent.AccountID != account.ID {
			return nil, errors.New("agent does not belong to account")
		}
		if agent.RevokedAt != nil {
			return nil, errors.New("agent has been revoked")
		}
	} else {
		agent = &models.Agent{
			AccountID: account.ID,
			Name:      req.AgentName,
			AgentType: req.AgentType,
		}
		err = s.agentRepo.Create(ctx, agent)
		if err != nil {
			return nil, fmt.Errorf("failed to create agent: %w", err)
		}
	}

	// Create session
	sessionID := uuid.New().String()
	expiresAt := time.Now().Add(s.jwtExpiry)
	session := &models.Session{
		ID:        sessionID,
		AccountID: account.ID,
		AgentID:   agent.ID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	err = s.sessionRepo.Create(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	token, err := s.generateToken(account.ID, agent.ID, sessionID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		AccountID: account.ID,
		AgentID:   agent.ID,
	}, nil
}

func (s *AuthService) generateToken(accountID, agentID uuid.UUID, sessionID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":      accountID.String(),
		"agent_id": agentID.String(),
		"jti":      sessionID,
		"exp":      expiresAt.Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *AuthService) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	accountIDStr, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	accountID, err := uuid.Parse(accountIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	agentIDStr, ok := claims["agent_id"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	agentID, err := uuid.Parse(agentIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	sessionID, ok := claims["jti"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		AccountID: accountID,
		AgentID:   agentID,
		SessionID: sessionID,
	}, nil
}

// Authenticate is the hub handshake path: the signature must verify and the
// session must still be live in Redis, so a revoked agent is cut off even
// before its token expires.
func (s *AuthService) Authenticate(ctx context.Context, tokenString string) (*TokenClaims, error) {
	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}

	_, err = s.sessionRepo.GetByID(ctx, claims.SessionID)
	if err == repositories.ErrNotFound {
		return nil, ErrSessionRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}

	return claims, nil
}

func (s *AuthService) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return err
	}

	err = s.sessionRepo.Delete(ctx, claims.SessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

func (s *AuthService) LogoutAll(ctx context.Context, tokenString string) error {
	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return err
	}

	err = s.sessionRepo.DeleteAllForAccount(ctx, claims.AccountID)
	if err != nil {
		return fmt.Errorf("failed to logout all sessions: %w", err)
	}

	return nil
}
