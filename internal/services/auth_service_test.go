package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverbound/syncengine/internal/models"
	"github.com/serverbound/syncengine/internal/repositories"
)

type memAccountRepo struct {
	byEmail map[string]*models.Account
	byID    map[uuid.UUID]*models.Account
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{
		byEmail: make(map[string]*models.Account),
		byID:    make(map[uuid.UUID]*models.Account),
	}
}

func (r *memAccountRepo) Create(ctx context.Context, account *models.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	account.CreatedAt = time.Now()
	r.byEmail[account.Email] = account
	r.byID[account.ID] = account
	return nil
}

func (r *memAccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	if account, ok := r.byID[id]; ok {
		return account, nil
	}
	return nil, repositories.ErrNotFound
}

func (r *memAccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	if account, ok := r.byEmail[email]; ok {
		return account, nil
	}
	return nil, repositories.ErrNotFound
}

func (r *memAccountRepo) Update(ctx context.Context, account *models.Account) error { return nil }

func (r *memAccountRepo) Delete(ctx context.Context, id uuid.UUID) error { return nil }

type memAgentRepo struct {
	agents map[uuid.UUID]*models.Agent
}

func newMemAgentRepo() *memAgentRepo {
	return &memAgentRepo{agents: make(map[uuid.UUID]*models.Agent)}
}

func (r *memAgentRepo) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	agent.CreatedAt = time.Now()
	r.agents[agent.ID] = agent
	return nil
}

func (r *memAgentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	if agent, ok := r.agents[id]; ok {
		return agent, nil
	}
	return nil, repositories.ErrNotFound
}

func (r *memAgentRepo) GetAgentsByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Agent, error) {
	var agents []*models.Agent
	for _, agent := range r.agents {
		if agent.AccountID == accountID {
			agents = append(agents, agent)
		}
	}
	return agents, nil
}

func (r *memAgentRepo) Update(ctx context.Context, agent *models.Agent) error { return nil }

func (r *memAgentRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	agent, ok := r.agents[id]
	if !ok {
		return repositories.ErrNotFound
	}
	now := time.Now()
	agent.RevokedAt = &now
	return nil
}

type memSessionRepo struct {
	sessions map[string]*models.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*models.Session)}
}

func (r *memSessionRepo) Create(ctx context.Context, session *models.Session) error {
	r.sessions[session.ID] = session
	return nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	if session, ok := r.sessions[id]; ok {
		return session, nil
	}
	return nil, repositories.ErrNotFound
}

func (r *memSessionRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.Session, error) {
	var sessions []*models.Session
	for _, session := range r.sessions {
		if session.AccountID == accountID {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (r *memSessionRepo) Delete(ctx context.Context, id string) error {
	delete(r.sessions, id)
	return nil
}

func (r *memSessionRepo) DeleteAllForAccount(ctx context.Context, accountID uuid.UUID) error {
	for id, session := range r.sessions {
		if session.AccountID == accountID {
			delete(r.sessions, id)
		}
	}
	return nil
}

func newTestService() (*AuthService, *memSessionRepo, *memAgentRepo) {
	sessions := newMemSessionRepo()
	agents := newMemAgentRepo()
	service := NewAuthService(newMemAccountRepo(), agents, sessions, "test-secret", time.Hour)
	return service, sessions, agents
}

const testPassword = "correct-horse-battery"

// TestAuthService_RegisterAndLogin tests the registration and login flow
func TestAuthService_RegisterAndLogin(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, service.Register(ctx, "op@example.com", testPassword))

	resp, err := service.Login(ctx, LoginRequest{
		Email:     "op@example.com",
		Password:  testPassword,
		AgentName: "studio-pc",
		AgentType: string(models.AgentTypeDesktop),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.NotEqual(t, uuid.Nil, resp.AgentID, "login without an agent id registers a new agent")
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	claims, err := service.VerifyToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.AccountID, claims.AccountID)
	assert.Equal(t, resp.AgentID, claims.AgentID)
}

// TestAuthService_RegisterDuplicate tests the email uniqueness check
func TestAuthService_RegisterDuplicate(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, service.Register(ctx, "op@example.com", testPassword))
	err := service.Register(ctx, "op@example.com", testPassword)
	assert.ErrorIs(t, err, ErrEmailExists)
}

// TestAuthService_LoginWrongPassword tests credential rejection
func TestAuthService_LoginWrongPassword(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()
	require.NoError(t, service.Register(ctx, "op@example.com", testPassword))

	_, err := service.Login(ctx, LoginRequest{Email: "op@example.com", Password: "wrong-password-here"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.Login(ctx, LoginRequest{Email: "ghost@example.com", Password: testPassword})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

// TestAuthService_LoginExistingAgent tests reusing a registered agent identity
func TestAuthService_LoginExistingAgent(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()
	require.NoError(t, service.Register(ctx, "op@example.com", testPassword))

	first, err := service.Login(ctx, LoginRequest{
		Email:     "op@example.com",
		Password:  testPassword,
		AgentName: "studio-pc",
		AgentType: string(models.AgentTypeDesktop),
	})
	require.NoError(t, err)

	second, err := service.Login(ctx, LoginRequest{
		Email:    "op@example.com",
		Password: testPassword,
		AgentID:  &first.AgentID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, second.AgentID)
}

// TestAuthService_RevokedAgentRejected tests that a revoked agent cannot log in
func TestAuthService_RevokedAgentRejected(t *testing.T) {
	service, _, agents := newTestService()
	ctx := context.Background()
	require.NoError(t, service.Register(ctx, "op@example.com", testPassword))

	resp, err := service.Login(ctx, LoginRequest{
		Email:     "op@example.com",
		Password:  testPassword,
		AgentName: "studio-pc",
		AgentType: string(models.AgentTypeDesktop),
	})
	require.NoError(t, err)

	require.NoError(t, agents.Revoke(ctx, resp.AgentID))

	_, err = service.Login(ctx, LoginRequest{
		Email:    "op@example.com",
		Password: testPassword,
		AgentID:  &resp.AgentID,
	})
	assert.Error(t, err)
}

// TestAuthService_Authenticate tests that the handshake path checks session
// liveness, not just the token signature
func TestAuthService_Authenticate(t *testing.T) {
	service, sessions, _ := newTestService()
	ctx := context.Background()
	require.NoError(t, service.Register(ctx, "op@example.com", testPassword))

	resp, err := service.Login(ctx, LoginRequest{
		Email:     "op@example.com",
		Password:  testPassword,
		AgentName: "studio-pc",
		AgentType: string(models.AgentTypeDesktop),
	})
	require.NoError(t, err)

	claims, err := service.Authenticate(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.AgentID, claims.AgentID)

	// Killing the session invalidates the still-unexpired token.
	require.NoError(t, sessions.Delete(ctx, claims.SessionID))
	_, err = service.Authenticate(ctx, resp.Token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

// TestAuthService_Logout tests that logout destroys the session
func TestAuthService_Logout(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()
	require.NoError(t, service.Register(ctx, "op@example.com", testPassword))

	resp, err := service.Login(ctx, LoginRequest{
		Email:     "op@example.com",
		Password:  testPassword,
		AgentName: "studio-pc",
		AgentType: string(models.AgentTypeDesktop),
	})
	require.NoError(t, err)

	require.NoError(t, service.Logout(ctx, resp.Token))
	_, err = service.Authenticate(ctx, resp.Token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

// TestAuthService_VerifyToken_Garbage tests token rejection paths
func TestAuthService_VerifyToken_Garbage(t *testing.T) {
	service, _, _ := newTestService()

	_, err := service.VerifyToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// A token signed with a different secret must not verify.
	other := NewAuthService(newMemAccountRepo(), newMemAgentRepo(), newMemSessionRepo(), "other-secret", time.Hour)
	ctx := context.Background()
	require.NoError(t, other.Register(ctx, "op@example.com", testPassword))
	resp, err := other.Login(ctx, LoginRequest{
		Email:     "op@example.com",
		Password:  testPassword,
		AgentName: "studio-pc",
		AgentType: string(models.AgentTypeDesktop),
	})
	require.NoError(t, err)

	_, err = service.VerifyToken(resp.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
