package models

import (
	"time"

	"github.com/google/uuid"
)

// User — модель пользователя в системе.
//
// Roles и Permissions — производные наборы: хранилище собирает их из связок
// users→roles→permissions на чтении. Permissions — объединение прав всех
// ролей пользователя, имена в формате "resource:action".
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	IsActive     bool
	Roles        []string
	Permissions  []string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
