package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notes-server/internal/domain"
	"notes-server/internal/event"
	"notes-server/internal/repository"
	"notes-server/pkg/hash"
	"notes-server/pkg/jwt"

	"github.com/rs/zerolog"
)

type AuthConfig struct {
	JWTSecret         string
	JWTExpiration     time.Duration
	RefreshExpiration time.Duration
	BcryptCost        int
}

type AuthService struct {
	userRepo repository.UserRepository
	events   EventPublisher
	cfg      AuthConfig
	log      zerolog.Logger
}

func NewAuthService(userRepo repository.UserRepository, events EventPublisher, cfg AuthConfig, log zerolog.Logger) *AuthService {
	return &AuthService{
		userRepo: userRepo,
		events:   events,
		cfg:      cfg,
		log:      log.With().Str("component", "auth_service").Logger(),
	}
}

// Register creates an account. A taken username or email is reported as
// domain.ErrConflict.
func (s *AuthService) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.User, error) {
	hashedPassword, err := hash.Hash(req.Password, s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		Username:       req.Username,
		Email:          req.Email,
		HashedPassword: hashedPassword,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}

	s.events.Publish(context.WithoutCancel(ctx), event.UserCreated{UserID: user.ID, Username: user.Username, Email: user.Email})

	s.log.Info().Int64("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	user, err := s.userRepo.FindByUsername(ctx, req.Username)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := hash.Compare(user.HashedPassword, req.Password); err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	accessToken, err := jwt.GenerateToken(user.ID, s.cfg.JWTExpiration, s.cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := jwt.GenerateRefreshToken(user.ID, s.cfg.RefreshExpiration, s.cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return &domain.LoginResponse{
		User:         user,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.cfg.JWTExpiration.Seconds()),
	}, nil
}

// RefreshToken exchanges a refresh token for a new access token, provided
// the account still exists.
func (s *AuthService) RefreshToken(ctx context.Context, req *domain.RefreshTokenRequest) (*domain.TokenResponse, error) {
	claims, err := jwt.ValidateRefreshToken(req.RefreshToken, s.cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredentials, err)
	}

	if _, err := s.userRepo.FindByID(ctx, claims.UserID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}

	accessToken, err := jwt.GenerateToken(claims.UserID, s.cfg.JWTExpiration, s.cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.cfg.JWTExpiration.Seconds()),
	}, nil
}
