package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
	"github.com/mmeshcher/invoicing-system/internal/model"
	"github.com/mmeshcher/invoicing-system/internal/repository"
	"github.com/mmeshcher/invoicing-system/internal/validation"
)

// ErrInvalidCredentials возвращается при неверном логине или пароле.
var ErrInvalidCredentials = apperr.New(apperr.ErrUnauthorized, "invalid credentials")

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return 0, apperr.New(apperr.ErrValidation, "login and password are required")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return 0, apperr.Wrap(err, apperr.ErrValidation, "password is too long")
		}
		return 0, err
	}

	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}

	s.logger.Info("user registered", zap.Int64("userID", id))
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// ConnectParams содержит результат OAuth-согласия пользователя на отправку почты.
type ConnectParams struct {
	AccountEmail string `json:"accountEmail" validate:"required,email"`
	AccessToken  string `json:"accessToken" validate:"required"`
	RefreshToken string `json:"refreshToken"`
	// Срок жизни access token в секундах; 0 означает бессрочный токен.
	ExpiresIn int64 `json:"expiresIn" validate:"gte=0"`
}

// ConnectAccount сохраняет токены почтового аккаунта, заменяя прежние.
func (s *Service) ConnectAccount(ctx context.Context, userID int64, p ConnectParams) (*model.AccountCredential, error) {
	if err := validation.Struct(p); err != nil {
		return nil, err
	}

	now := s.now()
	cred := &model.AccountCredential{
		UserID:       userID,
		Provider:     s.provider,
		AccountEmail: p.AccountEmail,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		UpdatedAt:    now,
	}
	if p.ExpiresIn > 0 {
		expiresAt := now.Add(time.Duration(p.ExpiresIn) * time.Second)
		cred.ExpiresAt = &expiresAt
	}

	saved, err := s.repo.UpsertCredential(ctx, cred)
	if err != nil {
		return nil, err
	}

	s.logger.Info("mail account connected", zap.Int64("userID", userID), zap.String("provider", s.provider))
	return saved, nil
}
