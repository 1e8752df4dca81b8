// lock реализует распределённую advisory-блокировку с TTL поверх kv.Store.
//
// Это НЕ строгий mutex и не линеаризуемое взаимное исключение:
//   - захват выполнен как get-then-set без fencing-токена, поэтому при гонке
//     на самом хранилище возможен двойной захват;
//   - Release не проверяет владельца: ключи нужно скоупить так, чтобы
//     освобождал только логический владелец (тот же запрос/горутина/задача).
//
// Блокировка пригодна только для best-effort single-flight секций
// (одна ротация на токен, одна фоновая зачистка на кластер). Инварианты,
// от которых зависит безопасность данных, обязаны защищаться атомарными
// условными записями в самом хранилище данных, а не этой блокировкой.
package lock

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/pribylovaa/go-rbac-service/internal/kv"
	"github.com/pribylovaa/go-rbac-service/internal/pkg/log"
)

// DefaultTTL — срок жизни блокировки, если вызывающий не задал свой.
const DefaultTTL = 30 * time.Second

// Lock — фабрика advisory-блокировок с общим префиксом ключей.
type Lock struct {
	store  kv.Store
	prefix string
}

// New создаёт Lock поверх произвольного kv.Store.
// Пустой prefix заменяется на "lock:".
func New(store kv.Store, prefix string) *Lock {
	if prefix == "" {
		prefix = "lock:"
	}

	return &Lock{store: store, prefix: prefix}
}

func (l *Lock) key(name string) string { return l.prefix + name }

// Acquire пытается захватить блокировку name на ttl.
//
// Возвращает true только если живой записи не было и запись создана.
// Недоступность хранилища трактуется как «не захвачено» (fail safe в сторону
// «не выполнять эксклюзивную работу»), ошибка логируется и наружу не уходит.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) bool {
	const op = "lock.Acquire"

	lg := log.From(ctx)

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	key := l.key(name)

	_, exists, err := l.store.Get(ctx, key)
	if err != nil {
		lg.Error("lock_acquire_failed",
			slog.String("op", op),
			slog.String("key", key),
			slog.String("err", err.Error()),
		)
		return false
	}
	if exists {
		return false
	}

	// Значение — отметка времени захвата; владельца оно не удостоверяет.
	holder := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	if err := l.store.Set(ctx, key, holder, ttl); err != nil {
		lg.Error("lock_acquire_failed",
			slog.String("op", op),
			slog.String("key", key),
			slog.String("err", err.Error()),
		)
		return false
	}

	lg.Debug("lock_acquired", slog.String("key", key))

	return true
}

// Release безусловно снимает блокировку name; возвращает, существовала ли запись.
// Ошибка хранилища логируется и проглатывается: захваченная запись
// самоуничтожится по TTL.
func (l *Lock) Release(ctx context.Context, name string) bool {
	const op = "lock.Release"

	lg := log.From(ctx)
	key := l.key(name)

	existed, err := l.store.Delete(ctx, key)
	if err != nil {
		lg.Error("lock_release_failed",
			slog.String("op", op),
			slog.String("key", key),
			slog.String("err", err.Error()),
		)
		return false
	}

	lg.Debug("lock_released", slog.String("key", key))

	return existed
}

// WithLock выполняет fn под блокировкой name.
//
// Возвращает (false, nil), если блокировка занята — это штатный исход
// (contention), а не ошибка. При захвате fn выполняется, блокировка
// снимается на любом пути выхода, включая панику в fn.
func (l *Lock) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	lg := log.From(ctx)

	if !l.Acquire(ctx, name, ttl) {
		lg.Warn("lock_contended", slog.String("key", l.key(name)))
		return false, nil
	}

	defer l.Release(ctx, name)

	return true, fn(ctx)
}
