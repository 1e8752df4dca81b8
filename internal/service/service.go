// service содержит бизнес-логику auth/RBAC-сервиса:
// регистрацию/аутентификацию пользователей, выпуск/ротацию/отзыв токенов
// и работу с хранилищем через интерфейсы из пакета storage.
//
// Основные аспекты:
//   - Пакет не хранит состояние запроса внутри Service; экземпляр Service
//     безопасен для конкурентного использования из разных горутин при условии,
//     что переданное хранилище (storage.Storage) потокобезопасно.
//   - Только этот пакет выпускает, ротирует и отзывает токены; транспорт
//     лишь маппит ошибки на HTTP-коды (см. комментарии к переменным ниже).
//   - Ротация refresh-токена single-flight'ится advisory-блокировкой по хэшу
//     токена; гарантию «ровно один победитель» при этом даёт условный UPDATE
//     в хранилище, а не блокировка.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/pribylovaa/go-rbac-service/internal/config"
	"github.com/pribylovaa/go-rbac-service/internal/lock"
	"github.com/pribylovaa/go-rbac-service/internal/storage"
)

var (
	// ErrInvalidCredentials — пара логин/пароль неверна, пользователь не найден
	// или деактивирован. Транспорт: HTTP 401.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken — токен (access/refresh) некорректен по формату/подписи
	// или отсутствует в журнале. Транспорт: HTTP 401.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired — срок действия токена истёк. Транспорт: HTTP 401.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked — токен отозван (logout/rotation/compromise) и недействителен
	// независимо от срока. Транспорт: HTTP 401.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrEmailTaken — e-mail уже занят другим пользователем. Транспорт: HTTP 409.
	ErrEmailTaken = errors.New("email already taken")

	// ErrRefreshTokenCollision — исчерпаны попытки сгенерировать уникальный refresh-токен
	// (редкий случай коллизий при сохранении хэша в БД после нескольких ретраев).
	// Транспорт: HTTP 500.
	ErrRefreshTokenCollision = errors.New("refresh token collision")

	// ErrInvalidEmail — e-mail имеет некорректный формат. Транспорт: HTTP 400.
	ErrInvalidEmail = errors.New("invalid email format")

	// ErrWeakPassword — пароль короче минимально допустимой длины. Транспорт: HTTP 400.
	ErrWeakPassword = errors.New("password is too weak")

	// ErrEmptyPassword — пароль пустой. Транспорт: HTTP 400.
	ErrEmptyPassword = errors.New("password is empty")
)

// EventPublisher публикует события аутентификации (login/register/logout)
// во внешнюю шину. Реализация — internal/queue; nil отключает публикацию.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Service описывает бизнес-логику auth/RBAC-сервиса.
type Service struct {
	storage storage.Storage
	cfg     config.AuthConfig
	locker  *lock.Lock // может быть nil: ротация без single-flight, CAS остаётся
	lockTTL time.Duration
	events  EventPublisher // может быть nil, если шина не сконфигурирована
}

// New создаёт новый экземпляр Service.
func New(storage storage.Storage, cfg config.AuthConfig, locker *lock.Lock, lockTTL time.Duration) *Service {
	if lockTTL <= 0 {
		lockTTL = lock.DefaultTTL
	}

	return &Service{
		storage: storage,
		cfg:     cfg,
		locker:  locker,
		lockTTL: lockTTL,
	}
}

// SetEventPublisher устанавливает издателя событий аутентификации (опционально).
func (s *Service) SetEventPublisher(p EventPublisher) {
	s.events = p
}
