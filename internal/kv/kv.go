// kv определяет минимальный контракт key-value-хранилища с TTL на ключ.
// Поверх него строятся распределённые advisory-блокировки (internal/lock).
//
// Контракт сознательно узкий — get/set/delete: он покрывает все текущие
// применения и позволяет подменять реализацию (Redis в проде, память в тестах)
// без изменения потребителей.
package kv

import (
	"context"
	"time"
)

// Store — key-value-хранилище с TTL.
//
// Все операции обязаны уважать ctx (дедлайны/отмену); время жизни ключа
// контролируется хранилищем, а не потребителем: по истечении TTL ключ
// исчезает без участия клиента.
type Store interface {
	// Get возвращает значение и признак наличия живого ключа.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set сохраняет значение с TTL. ttl <= 0 означает ключ без срока жизни.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete удаляет ключ и сообщает, существовал ли он.
	Delete(ctx context.Context, key string) (bool, error)
	// Close освобождает ресурсы клиента.
	Close() error
}
