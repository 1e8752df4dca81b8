package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pribylovaa/go-rbac-service/internal/authz"
	"github.com/pribylovaa/go-rbac-service/internal/models"
	"github.com/pribylovaa/go-rbac-service/internal/pkg/log"
	"github.com/pribylovaa/go-rbac-service/internal/pkg/redact"
	"github.com/pribylovaa/go-rbac-service/internal/storage"
)

// Минимальная длина пароля в рунах.
const minPasswordLen = 6

// Routing keys событий аутентификации.
const (
	EventRegistered = "auth.registered"
	EventLoggedIn   = "auth.logged_in"
	EventLoggedOut  = "auth.logged_out"
)

// RegisterUser регистрирует нового пользователя (с ролью по умолчанию)
// и сразу выдаёт ему пару токенов.
func (s *Service) RegisterUser(ctx context.Context, username, email, password string) (*models.TokenPair, uuid.UUID, error) {
	const op = "service.auth.RegisterUser"

	normEmail, err := validateEmail(email)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if err := validatePassword(password); err != nil {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.storage.UserByEmail(ctx, normEmail)
	if err == nil {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	hashedPassword, err := hashPassword(password)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:           uuid.New(),
		Username:     strings.TrimSpace(username),
		Email:        normEmail,
		PasswordHash: hashedPassword,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.storage.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}

		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	// Перечитываем запись: роль по умолчанию и её права назначаются в БД.
	saved, err := s.storage.UserByID(ctx, user.ID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, uid, err := s.issueTokenPair(ctx, saved, "")
	if err != nil {
		return nil, uuid.Nil, err
	}

	s.publish(ctx, EventRegistered, map[string]string{
		"user_id": uid.String(),
		"email":   saved.Email,
	})

	return pair, uid, nil
}

// LoginUser выполняет вход по email+пароль.
// Деактивированный аккаунт наружу неотличим от неверных учётных данных.
func (s *Service) LoginUser(ctx context.Context, email, password string) (*models.TokenPair, uuid.UUID, error) {
	const op = "service.auth.LoginUser"

	lg := log.From(ctx)

	normEmail, err := validateEmail(email)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if len(password) == 0 {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	user, err := s.storage.UserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	if !user.IsActive {
		lg.Warn("login_inactive_account",
			slog.String("op", op),
			slog.String("email", redact.Email(normEmail)),
		)
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if !checkPassword(user.PasswordHash, password) {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	// Отметка о входе — best-effort: её сбой не должен ломать аутентификацию.
	if err := s.storage.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		lg.Warn("update_last_login_failed",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
			slog.String("err", err.Error()),
		)
	}

	pair, uid, err := s.issueTokenPair(ctx, user, "")
	if err != nil {
		return nil, uuid.Nil, err
	}

	s.publish(ctx, EventLoggedIn, map[string]string{
		"user_id": uid.String(),
		"email":   user.Email,
	})

	return pair, uid, nil
}

// RefreshToken обновляет пару токенов по refresh-токену (ротация).
//
// Вся ротация выполняется под advisory-блокировкой по хэшу токена:
// проигравший конкурентный запрос получает тот же неаутентифицированный
// ответ, что и предъявитель недействительного токена. Сама гарантия
// «ровно один победитель» обеспечивается условным отзывом в хранилище.
func (s *Service) RefreshToken(ctx context.Context, refreshToken string) (*models.TokenPair, uuid.UUID, error) {
	const op = "service.auth.RefreshToken"

	if s.locker == nil {
		return s.rotateRefreshToken(ctx, refreshToken)
	}

	var (
		pair *models.TokenPair
		uid  uuid.UUID
	)

	ran, err := s.locker.WithLock(ctx, "refresh:"+hashToken(refreshToken), s.lockTTL,
		func(ctx context.Context) error {
			var ferr error
			pair, uid, ferr = s.rotateRefreshToken(ctx, refreshToken)
			return ferr
		})
	if err != nil {
		return nil, uuid.Nil, err
	}
	if !ran {
		// Ротация этого токена уже идёт — отказ закрытым образом.
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return pair, uid, nil
}

// rotateRefreshToken — тело ротации: валидация → пользователь существует
// и активен → отзыв старого → выпуск нового. Порядок invalidate-then-issue:
// при сбое выпуска старый токен остаётся отозванным (fail closed).
func (s *Service) rotateRefreshToken(ctx context.Context, refreshToken string) (*models.TokenPair, uuid.UUID, error) {
	const op = "service.auth.rotateRefreshToken"

	token, err := s.validateRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.storage.UserByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	if !user.IsActive {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return s.issueTokenPair(ctx, user, token.RefreshTokenHash)
}

// RevokeToken отзывает refresh-токен.
func (s *Service) RevokeToken(ctx context.Context, refreshToken string) error {
	const op = "service.auth.RevokeToken"

	revoked, err := s.storage.RevokeRefreshTokenIfActive(ctx, hashToken(refreshToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if !revoked {
		return fmt.Errorf("%s: %w", op, ErrTokenRevoked)
	}

	return nil
}

// Logout отзывает все активные refresh-токены пользователя (logout-everywhere).
func (s *Service) Logout(ctx context.Context, userID uuid.UUID) error {
	const op = "service.auth.Logout"

	lg := log.From(ctx)

	n, err := s.storage.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	lg.Info("logout",
		slog.String("user_id", userID.String()),
		slog.Int64("revoked", n),
	)

	s.publish(ctx, EventLoggedOut, map[string]string{
		"user_id": userID.String(),
	})

	return nil
}

// Profile возвращает профиль пользователя вместе с RBAC-срезом.
func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	const op = "service.auth.Profile"

	user, err := s.storage.UserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// ValidateToken проверяет access-токен и возвращает принципала запроса.
func (s *Service) ValidateToken(ctx context.Context, accessToken string) (*authz.Principal, error) {
	const op = "service.auth.ValidateToken"

	principal, err := s.validateAccessToken(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return principal, nil
}

// publish отправляет событие аутентификации best-effort: сбой шины
// логируется и не влияет на результат операции.
func (s *Service) publish(ctx context.Context, routingKey string, payload any) {
	if s.events == nil {
		return
	}

	if err := s.events.Publish(ctx, routingKey, payload); err != nil {
		log.From(ctx).Warn("event_publish_failed",
			slog.String("routing_key", routingKey),
			slog.String("err", err.Error()),
		)
	}
}

// hashPassword хэширует пароль с помощью bcrypt.
func hashPassword(password string) (string, error) {
	const op = "service.auth.hashPassword"

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

// checkPassword сравнивает пароль с хэшем.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// validateEmail проверяет базовый формат email и обрезает пробелы снаружи.
func validateEmail(raw string) (string, error) {
	const op = "service.auth.validateEmail"

	email := strings.TrimSpace(raw)
	if email == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	return strings.ToLower(email), nil
}

// validatePassword проверяет минимальные требования к паролю: длина >= 6 рун.
func validatePassword(pw string) error {
	const op = "service.auth.validatePassword"

	if len(pw) == 0 {
		return fmt.Errorf("%s: %w", op, ErrEmptyPassword)
	}

	if len([]rune(pw)) < minPasswordLen {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	return nil
}

// issueTokenPair выпускает новую пару access+refresh токенов.
// Если oldRefreshHash != "", СНАЧАЛА атомарно отзывает старый refresh-токен
// (и только победитель условного отзыва выпускает новый).
func (s *Service) issueTokenPair(ctx context.Context, user *models.User, oldRefreshHash string) (*models.TokenPair, uuid.UUID, error) {
	const op = "service.auth.issueTokenPair"

	now := time.Now().UTC()

	accessToken, err := s.generateAccessToken(ctx, user, now)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	if oldRefreshHash != "" {
		revoked, err := s.storage.RevokeRefreshTokenIfActive(ctx, oldRefreshHash)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}

			return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
		}

		if !revoked {
			return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrTokenRevoked)
		}
	}

	plain, err := s.generateRefreshToken(ctx, user.ID, now)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    plain,
		AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
	}, user.ID, nil
}
