// transport/http содержит HTTP-эндпоинты сервиса.
// Здесь выполняется только маппинг данных и ошибок доменного слоя (service) в HTTP.
// Вся валидация и бизнес-логика находятся в пакете service.
//
// Принципы:
//   - Контекст запроса прокидывается в сервис без потерь;
//   - Ошибки сервиса явно транслируются в коды HTTP:
//   - ErrInvalidEmail/ErrWeakPassword/ErrEmptyPassword -> 400;
//   - ErrEmailTaken -> 409;
//   - ErrInvalidCredentials -> 401;
//   - ErrInvalidToken/ErrTokenExpired/ErrTokenRevoked -> 401 с единым
//     сообщением: повтор ротированного токена наружу неотличим от мусорного;
//   - иные ошибки -> 500 c единым безопасным сообщением;
//   - Доступ описывается явным дескриптором Operation на маршруте:
//     публичные операции минуют guard, остальные проходят сначала
//     аутентификацию (401), затем проверку ролей (403).
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pribylovaa/go-rbac-service/internal/config"
	"github.com/pribylovaa/go-rbac-service/internal/service"
)

// Operation — декларативное описание доступа к маршруту.
// Public отключает и аутентификацию, и проверку ролей; Roles — список
// ролей, любой из которых достаточно (пустой список — только аутентификация).
type Operation struct {
	Public bool
	Roles  []string
}

// Server — HTTP-сервер поверх сервисного слоя.
type Server struct {
	echo *echo.Echo
	svc  *service.Service
	cfg  config.HTTPConfig
}

// New собирает echo-приложение: middleware, маршруты и их дескрипторы.
func New(svc *service.Service, cfg config.HTTPConfig, timeout time.Duration, base *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(RequestLogging(base))
	e.Use(Recover())
	e.Use(Timeout(timeout))
	e.Use(Metrics())

	s := &Server{echo: e, svc: svc, cfg: cfg}

	// Публичная поверхность.
	s.route(http.MethodPost, "/auth/register", s.handleRegister, Operation{Public: true})
	s.route(http.MethodPost, "/auth/login", s.handleLogin, Operation{Public: true})
	s.route(http.MethodPost, "/auth/refresh", s.handleRefresh, Operation{Public: true})

	// Требуют аутентификации.
	s.route(http.MethodPost, "/auth/logout", s.handleLogout, Operation{})
	s.route(http.MethodGet, "/auth/profile", s.handleProfile, Operation{})

	// Служебные.
	e.GET("/livez", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// route регистрирует маршрут под guard-ом с его дескриптором доступа.
func (s *Server) route(method, path string, h echo.HandlerFunc, op Operation) {
	s.echo.Add(method, path, h, Guard(s.svc, op))
}

// Handler отдаёт http.Handler (используется тестами).
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run запускает сервер и блокируется до остановки.
func (s *Server) Run() error {
	return s.echo.Start(s.cfg.Addr())
}

// Shutdown мягко останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
