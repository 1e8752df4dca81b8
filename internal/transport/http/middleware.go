package http

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pribylovaa/go-rbac-service/internal/authz"
	"github.com/pribylovaa/go-rbac-service/internal/pkg/log"
	"github.com/pribylovaa/go-rbac-service/internal/service"
)

// Ключ принципала в echo.Context.
const principalKey = "principal"

// RequestLogging реализует логирование запросов с контекстным логгером.
//
// Поведение и формат логов:
//   - Вытягивает X-Request-ID из заголовков, иначе генерирует UUID;
//   - Извлекает peer (IP клиента), метод и путь;
//   - Кладёт обогащённый *slog.Logger в context (pkg/log), чтобы он был
//     доступен глубже по стеку;
//   - После выполнения handler пишет одну строку уровня Info: msg="http",
//     status=<код>, dur=<время выполнения>.
//
// Безопасность:
//   - Логи не содержат чувствительных данных (только метод/путь/peer/request_id);
//   - Если базовый логгер не передан, используется slog.Default() (без паник).
func RequestLogging(base *slog.Logger) echo.MiddlewareFunc {
	if base == nil {
		base = slog.Default()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			rid := req.Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, rid)

			l := base.With(
				slog.String("request_id", rid),
				slog.String("method", req.Method),
				slog.String("path", c.Path()),
				slog.String("peer", c.RealIP()),
			)
			c.SetRequest(req.WithContext(log.Into(req.Context(), l)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			l.Info("http",
				slog.Int("status", c.Response().Status),
				slog.Duration("dur", time.Since(start)),
			)

			return err
		}
	}
}

// Recover перехватывает панику обработчика: пишет Error со стеком
// и возвращает клиенту 500 без деталей.
func Recover() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.From(c.Request().Context()).Error("panic_recovered",
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					err = echo.NewHTTPError(http.StatusInternalServerError, msgInternal)
				}
			}()

			return next(c)
		}
	}
}

// Timeout ограничивает время обработки запроса через контекст.
// Обработчики и сторэдж обязаны уважать ctx: по дедлайну запрос
// завершится их собственной ошибкой.
func Timeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if d <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// Guard — единственная точка контроля доступа: сначала аутентификация
// (401), затем авторизация по ролям (403). Публичные операции минуют обе
// проверки; для остальных принципал кладётся в контекст запроса.
func Guard(svc *service.Service, op Operation) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if op.Public {
				return next(c)
			}

			token, ok := bearerToken(c.Request())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, msgUnauthorized)
			}

			principal, err := svc.ValidateToken(c.Request().Context(), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, msgUnauthorized)
			}

			// Роли проверяются строго после успешной аутентификации.
			if !authz.HasAnyRole(*principal, op.Roles...) {
				return echo.NewHTTPError(http.StatusForbidden, msgForbidden)
			}

			c.Set(principalKey, principal)
			return next(c)
		}
	}
}

// bearerToken извлекает токен из Authorization: Bearer <token>.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}

	return strings.TrimSpace(h[len(prefix):]), true
}

// principalFrom достаёт принципала, положенного guard-ом.
func principalFrom(c echo.Context) (*authz.Principal, bool) {
	p, ok := c.Get(principalKey).(*authz.Principal)
	return p, ok
}
