package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken — строка реестра refresh-токенов.
//
// В БД хранится только SHA-256-хэш подписанного токена (base64url);
// сам токен клиент предъявляет в открытом виде, хэш служит ключом поиска.
// Строки никогда не удаляются при ротации — только помечаются Revoked
// (аудиторский след); просроченные строки вычищает фоновая задача.
type RefreshToken struct {
	RefreshTokenHash string
	UserID           uuid.UUID
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Revoked          bool
}
