// Package session is the authentication gate in front of the allocator:
// password login with first-sight participant creation, opaque session
// tokens, logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/rhpds/workshop-allocator/internal/domain"
	"github.com/rhpds/workshop-allocator/internal/repository"
	"github.com/rhpds/workshop-allocator/internal/service/allocator"
	"github.com/rhpds/workshop-allocator/pkg/crypto"
)

var (
	// ErrInvalidInput flags malformed or missing request fields.
	ErrInvalidInput = errors.New("session: invalid input")
	// ErrInvalidCredentials flags a password mismatch for a known email.
	ErrInvalidCredentials = errors.New("session: invalid credentials")
	// ErrUnauthenticated flags a missing or unknown session token.
	ErrUnauthenticated = errors.New("session: unauthenticated")
)

// Allocator is the slice of the allocator the gate depends on.
type Allocator interface {
	Assign(ctx context.Context, participant *domain.Participant) (*allocator.Assignment, error)
}

// Service handles login, logout and token authentication.
type Service struct {
	participants   repository.ParticipantRepository
	alloc          Allocator
	logger         *slog.Logger
	minPasswordLen int
}

// New constructs a Service.
func New(participants repository.ParticipantRepository, alloc Allocator, logger *slog.Logger, minPasswordLen int) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if minPasswordLen <= 0 {
		minPasswordLen = 8
	}
	return Service{participants: participants, alloc: alloc, logger: logger, minPasswordLen: minPasswordLen}
}

// LoginResult carries the session token and the credentials the participant
// uses against the assigned cluster. Resumed distinguishes a revalidated
// binding from a fresh allocation.
type LoginResult struct {
	Token    string
	Cluster  domain.Cluster
	DemoUser domain.DemoUser
	Resumed  bool
}

// Login authenticates the email/password pair, creating the participant on
// first sight, then defers to the allocator for a binding.
func (s Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if len(password) < s.minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, s.minPasswordLen)
	}

	participant, err := s.participants.GetParticipantByEmail(ctx, email)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		participant, err = s.register(ctx, email, password)
		if errors.Is(err, repository.ErrConflict) {
			// Lost a first-sight race; the winner's row holds the account.
			participant, err = s.participants.GetParticipantByEmail(ctx, email)
			if err != nil {
				return nil, fmt.Errorf("look up participant after conflict: %w", err)
			}
			if err := crypto.ComparePassword(participant.PasswordHash, password); err != nil {
				s.logger.Warn("password mismatch", "email", email)
				return nil, ErrInvalidCredentials
			}
		} else if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("look up participant: %w", err)
	default:
		if err := crypto.ComparePassword(participant.PasswordHash, password); err != nil {
			s.logger.Warn("password mismatch", "email", email)
			return nil, ErrInvalidCredentials
		}
	}

	assignment, err := s.alloc.Assign(ctx, participant)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: assignment.Token, Cluster: assignment.Cluster, DemoUser: assignment.DemoUser, Resumed: assignment.Resumed}, nil
}

func (s Service) register(ctx context.Context, email, password string) (*domain.Participant, error) {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	participant := &domain.Participant{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.participants.CreateParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("create participant: %w", err)
	}
	s.logger.Info("participant registered", "participant_id", participant.ID, "email", email)
	return participant, nil
}

// Authenticate resolves a session token to its participant. The password
// hash is stripped before the participant leaves the gate.
func (s Service) Authenticate(ctx context.Context, token string) (*domain.Participant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	participant, err := s.participants.GetParticipantBySessionToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("look up session token: %w", err)
	}
	participant.PasswordHash = nil
	return participant, nil
}

// Logout clears the session token only; the cluster/demo-user binding is
// preserved so the next login resumes the same assignment.
func (s Service) Logout(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	cleared, err := s.participants.ClearSessionToken(ctx, token)
	if err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	if !cleared {
		return ErrUnauthenticated
	}
	return nil
}
