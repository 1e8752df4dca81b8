package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pribylovaa/go-rbac-service/internal/config"
	"github.com/pribylovaa/go-rbac-service/internal/models"
	"github.com/pribylovaa/go-rbac-service/internal/service"
	"github.com/pribylovaa/go-rbac-service/internal/storage"
	"github.com/pribylovaa/go-rbac-service/mocks"
)

func testAuthCfg() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:       "http-test-secret",
		RefreshSecret:   "http-test-refresh-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		Issuer:          "rbac-service",
		Audience:        []string{"api-gateway"},
	}
}

func newTestServer(t *testing.T) (*Server, *service.Service, *mocks.MockStorage) {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	st := mocks.NewMockStorage(ctrl)
	svc := service.New(st, testAuthCfg(), nil, 0)
	srv := New(svc, config.HTTPConfig{Host: "127.0.0.1", Port: "0"}, time.Second, nil)
	return srv, svc, st
}

func testUser(t *testing.T, pw string, roles ...string) *models.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now().UTC()
	return &models.User{
		ID:           uuid.New(),
		Username:     "user",
		Email:        "user@example.com",
		PasswordHash: string(hash),
		IsActive:     true,
		Roles:        roles,
		Permissions:  []string{"user:read"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// loginToken выпускает валидный access-токен через полный цикл логина.
func loginToken(t *testing.T, svc *service.Service, st *mocks.MockStorage, user *models.User) string {
	t.Helper()

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().UpdateLastLogin(gomock.Any(), user.ID, gomock.Any()).Return(nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)

	pair, _, err := svc.LoginUser(context.Background(), user.Email, "admin123")
	require.NoError(t, err)
	return pair.AccessToken
}

func doJSON(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegister_Created(t *testing.T) {
	t.Parallel()

	srv, _, st := newTestServer(t)

	st.EXPECT().UserByEmail(gomock.Any(), "new@example.com").Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).Return(nil)
	st.EXPECT().UserByID(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id uuid.UUID) (*models.User, error) {
			u := testUser(t, "admin123", "user")
			u.ID = id
			u.Email = "new@example.com"
			return u, nil
		})
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth/register",
		`{"username":"new","email":"new@example.com","password":"admin123"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.NotEmpty(t, resp.UserID)
}

func TestRegister_ValidationAndConflict(t *testing.T) {
	t.Parallel()

	srv, _, st := newTestServer(t)

	// Некорректный email → 400 без обращения к хранилищу.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth/register",
		`{"email":"nope","password":"admin123"}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Слабый пароль → 400.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/auth/register",
		`{"email":"u@e.com","password":"abc"}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Занятый email → 409.
	st.EXPECT().UserByEmail(gomock.Any(), "taken@example.com").
		Return(&models.User{ID: uuid.New(), Email: "taken@example.com"}, nil)
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/auth/register",
		`{"email":"taken@example.com","password":"admin123"}`, "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	t.Parallel()

	srv, _, st := newTestServer(t)

	st.EXPECT().UserByEmail(gomock.Any(), "ghost@example.com").Return(nil, storage.ErrNotFound)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth/login",
		`{"email":"ghost@example.com","password":"admin123"}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid credentials")
}

// Любой токенный отказ на /auth/refresh — один и тот же 401:
// мусор и отозванный токен наружу неотличимы.
func TestRefresh_UniformUnauthorized(t *testing.T) {
	t.Parallel()

	srv, svc, st := newTestServer(t)

	// Мусорный токен: отваливается на подписи, до хранилища не доходит.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth/refresh",
		`{"refresh_token":"garbage"}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	garbageBody := rec.Body.String()

	// Валидная подпись, но токен уже ротирован.
	user := testUser(t, "admin123", "user")
	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().UpdateLastLogin(gomock.Any(), user.ID, gomock.Any()).Return(nil)

	var savedHash string
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, tok *models.RefreshToken) error {
			savedHash = tok.RefreshTokenHash
			return nil
		})

	pair, _, err := svc.LoginUser(context.Background(), user.Email, "admin123")
	require.NoError(t, err)

	now := time.Now().UTC()
	st.EXPECT().RefreshTokenByHash(gomock.Any(), savedHash).Return(&models.RefreshToken{
		RefreshTokenHash: savedHash,
		UserID:           user.ID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
		Revoked:          true,
	}, nil)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/auth/refresh",
		`{"refresh_token":"`+pair.RefreshToken+`"}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, garbageBody, rec.Body.String())
}

func TestGuard_AuthnBeforeAuthz(t *testing.T) {
	t.Parallel()

	srv, svc, st := newTestServer(t)

	// Маршрут только для администраторов.
	srv.route(http.MethodGet, "/admin/ping",
		func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		Operation{Roles: []string{"admin"}})

	// Без токена — 401, роль не проверяется.
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/admin/ping", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Мусорный токен — тоже 401.
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/admin/ping", "", "not-a-token")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Валидный токен без нужной роли — 403.
	user := testUser(t, "admin123", "user")
	token := loginToken(t, svc, st, user)
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/admin/ping", "", token)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Валидный токен с ролью admin — 200.
	admin := testUser(t, "admin123", "admin", "user")
	admin.Email = "admin@example.com"
	adminToken := loginToken(t, svc, st, admin)
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/admin/ping", "", adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProfile_RequiresAuth(t *testing.T) {
	t.Parallel()

	srv, svc, st := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/auth/profile", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	user := testUser(t, "admin123", "user")
	token := loginToken(t, svc, st, user)

	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/auth/profile", "", token)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp profileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, user.ID.String(), resp.ID)
	require.Equal(t, []string{"user"}, resp.Roles)
	require.Equal(t, []string{"user:read"}, resp.Permissions)
}

func TestLogout_RevokesAllSessions(t *testing.T) {
	t.Parallel()

	srv, svc, st := newTestServer(t)

	user := testUser(t, "admin123", "user")
	token := loginToken(t, svc, st, user)

	st.EXPECT().RevokeAllForUser(gomock.Any(), user.ID).Return(int64(2), nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth/logout", "", token)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthEndpoints_Public(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/livez", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

// Внутренняя ошибка не протекает наружу деталями.
func TestInternalError_Opaque(t *testing.T) {
	t.Parallel()

	srv, _, st := newTestServer(t)

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(nil, context.DeadlineExceeded)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/auth/register",
		`{"email":"user@example.com","password":"admin123"}`, "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), msgInternal)
	require.NotContains(t, rec.Body.String(), "deadline")
}
