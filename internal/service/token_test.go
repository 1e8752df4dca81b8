package service

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/go-rbac-service/internal/kv"
	"github.com/pribylovaa/go-rbac-service/internal/lock"
	"github.com/pribylovaa/go-rbac-service/internal/models"
	"github.com/pribylovaa/go-rbac-service/internal/storage"
	"github.com/pribylovaa/go-rbac-service/mocks"
)

// signRefresh подписывает refresh-артефакт напрямую (мимо generateRefreshToken),
// чтобы управлять сроком и субъектом в тестах.
func signRefresh(t *testing.T, svc *Service, userID uuid.UUID, ttl time.Duration) string {
	t.Helper()

	now := time.Now().UTC()
	claims := refreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID.String(),
			Issuer:    svc.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	plain, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(svc.cfg.RefreshSecret))
	require.NoError(t, err)
	return plain
}

func TestAccessToken_RoundTrip_CarriesRBACClaims(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser("user@example.com", "admin123", t)
	user.Roles = []string{"admin", "user"}

	signed, err := svc.generateAccessToken(context.Background(), user, time.Now().UTC())
	require.NoError(t, err)

	p, err := svc.validateAccessToken(signed)
	require.NoError(t, err)
	require.Equal(t, user.ID, p.UserID)
	require.Equal(t, user.Email, p.Email)
	require.Equal(t, user.Username, p.Username)
	require.Equal(t, []string{"admin", "user"}, p.Roles)
	// Permissions в access-токен не кладутся.
	require.Empty(t, p.Permissions)
}

func TestValidateAccessToken_WrongSecret(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	cfg := testCfg()
	cfg.JWTSecret = "another-secret"
	other := New(svc.storage, cfg, nil, 0)

	user := activeUser("user@example.com", "admin123", t)
	signed, err := other.generateAccessToken(context.Background(), user, time.Now().UTC())
	require.NoError(t, err)

	_, err = svc.validateAccessToken(signed)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateAccessToken_Expired(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser("user@example.com", "admin123", t)
	// Выпущен далеко в прошлом: exp меньше now даже с учётом leeway.
	signed, err := svc.generateAccessToken(context.Background(), user, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	_, err = svc.validateAccessToken(signed)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateAccessToken_WrongIssuerOrAudience(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser("user@example.com", "admin123", t)

	cfg := testCfg()
	cfg.Issuer = "some-other-service"
	otherIss := New(svc.storage, cfg, nil, 0)
	signed, err := otherIss.generateAccessToken(context.Background(), user, time.Now().UTC())
	require.NoError(t, err)
	_, err = svc.validateAccessToken(signed)
	require.ErrorIs(t, err, ErrInvalidToken)

	cfg = testCfg()
	cfg.Audience = []string{"someone-else"}
	otherAud := New(svc.storage, cfg, nil, 0)
	signed, err = otherAud.generateAccessToken(context.Background(), user, time.Now().UTC())
	require.NoError(t, err)
	_, err = svc.validateAccessToken(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

// Разные секреты: refresh нельзя предъявить как access.
func TestTokens_SecretSeparation(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	refresh := signRefresh(t, svc, uuid.New(), time.Hour)
	_, err := svc.validateAccessToken(refresh)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateRefreshToken_StoresHashOnly(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	var saved *models.RefreshToken

	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, tok *models.RefreshToken) error {
			saved = tok
			return nil
		})

	now := time.Now().UTC()
	plain, err := svc.generateRefreshToken(context.Background(), uid, now)
	require.NoError(t, err)
	require.NotEmpty(t, plain)

	// В журнале — только хэш подписанного артефакта.
	require.NotNil(t, saved)
	require.Equal(t, hashToken(plain), saved.RefreshTokenHash)
	require.NotEqual(t, plain, saved.RefreshTokenHash)
	require.Equal(t, uid, saved.UserID)
	require.Equal(t, now.Add(svc.cfg.RefreshTokenTTL), saved.ExpiresAt)
	require.False(t, saved.Revoked)

	// Сам артефакт — валидный JWT под refresh-секретом с sub и jti.
	var claims refreshClaims
	_, err = jwt.ParseWithClaims(plain, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(svc.cfg.RefreshSecret), nil
	})
	require.NoError(t, err)
	require.Equal(t, uid.String(), claims.Subject)
	require.NotEmpty(t, claims.ID)
}

func TestGenerateRefreshToken_CollisionRetry(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	gomock.InOrder(
		st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(storage.ErrAlreadyExists),
		st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil),
	)

	plain, err := svc.generateRefreshToken(context.Background(), uuid.New(), time.Now().UTC())
	require.NoError(t, err)
	require.NotEmpty(t, plain)
}

func TestValidateRefreshToken_GarbageRejectedBeforeStorage(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	// Хранилище не настроено на вызовы: мусор отваливается на подписи.
	_, err := svc.validateRefreshToken(context.Background(), "not-a-jwt")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRefreshToken_SignatureExpired(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	plain := signRefresh(t, svc, uuid.New(), -time.Hour)
	_, err := svc.validateRefreshToken(context.Background(), plain)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateRefreshToken_UnknownHash(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	plain := signRefresh(t, svc, uuid.New(), time.Hour)
	st.EXPECT().RefreshTokenByHash(gomock.Any(), hashToken(plain)).Return(nil, storage.ErrNotFound)

	_, err := svc.validateRefreshToken(context.Background(), plain)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRefreshToken_Revoked(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	plain := signRefresh(t, svc, uid, time.Hour)
	now := time.Now().UTC()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), hashToken(plain)).Return(&models.RefreshToken{
		RefreshTokenHash: hashToken(plain),
		UserID:           uid,
		CreatedAt:        now.Add(-time.Hour),
		ExpiresAt:        now.Add(time.Hour),
		Revoked:          true,
	}, nil)

	_, err := svc.validateRefreshToken(context.Background(), plain)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

// При включённом ужесточении повтор ротированного токена гасит все сессии.
func TestValidateRefreshToken_RevokeOnReuse(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	st := mocks.NewMockStorage(ctrl)

	cfg := testCfg()
	cfg.RevokeOnReuse = true
	svc := New(st, cfg, nil, 0)

	uid := uuid.New()
	plain := signRefresh(t, svc, uid, time.Hour)
	now := time.Now().UTC()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), hashToken(plain)).Return(&models.RefreshToken{
		RefreshTokenHash: hashToken(plain),
		UserID:           uid,
		CreatedAt:        now.Add(-time.Hour),
		ExpiresAt:        now.Add(time.Hour),
		Revoked:          true,
	}, nil)
	st.EXPECT().RevokeAllForUser(gomock.Any(), uid).Return(int64(2), nil)

	_, err := svc.validateRefreshToken(context.Background(), plain)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

// Журнальный срок — самостоятельная граница: подпись ещё валидна,
// но строка в журнале просрочена.
func TestValidateRefreshToken_LedgerExpiryWins(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	uid := uuid.New()
	plain := signRefresh(t, svc, uid, time.Hour)
	now := time.Now().UTC()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), hashToken(plain)).Return(&models.RefreshToken{
		RefreshTokenHash: hashToken(plain),
		UserID:           uid,
		CreatedAt:        now.Add(-2 * time.Hour),
		ExpiresAt:        now.Add(-time.Minute),
		Revoked:          false,
	}, nil)

	_, err := svc.validateRefreshToken(context.Background(), plain)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshToken_RotationHappyPath(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser("user@example.com", "admin123", t)
	plain := signRefresh(t, svc, user.ID, time.Hour)
	hash := hashToken(plain)
	now := time.Now().UTC()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), hash).Return(&models.RefreshToken{
		RefreshTokenHash: hash,
		UserID:           user.ID,
		CreatedAt:        now.Add(-time.Hour),
		ExpiresAt:        now.Add(time.Hour),
		Revoked:          false,
	}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().RevokeRefreshTokenIfActive(gomock.Any(), hash).Return(true, nil)
	st.EXPECT().SaveRefreshToken(gomock.Any(), gomock.Any()).Return(nil)

	tp, uid, err := svc.RefreshToken(context.Background(), plain)
	require.NoError(t, err)
	require.Equal(t, user.ID, uid)
	require.NotEmpty(t, tp.AccessToken)
	require.NotEmpty(t, tp.RefreshToken)
	require.NotEqual(t, plain, tp.RefreshToken)
}

// Проигрыш условного отзыва (кто-то успел раньше) — отказ, новый токен не выпускается.
func TestRefreshToken_CASLoser_FailsClosed(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser("user@example.com", "admin123", t)
	plain := signRefresh(t, svc, user.ID, time.Hour)
	hash := hashToken(plain)
	now := time.Now().UTC()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), hash).Return(&models.RefreshToken{
		RefreshTokenHash: hash,
		UserID:           user.ID,
		CreatedAt:        now.Add(-time.Hour),
		ExpiresAt:        now.Add(time.Hour),
		Revoked:          false,
	}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().RevokeRefreshTokenIfActive(gomock.Any(), hash).Return(false, nil)

	_, _, err := svc.RefreshToken(context.Background(), plain)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

// Пользователь деактивирован после выпуска токена — ротация закрыта.
func TestRefreshToken_InactiveUser_FailsClosed(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser("user@example.com", "admin123", t)
	user.IsActive = false
	plain := signRefresh(t, svc, user.ID, time.Hour)
	hash := hashToken(plain)
	now := time.Now().UTC()

	st.EXPECT().RefreshTokenByHash(gomock.Any(), hash).Return(&models.RefreshToken{
		RefreshTokenHash: hash,
		UserID:           user.ID,
		CreatedAt:        now.Add(-time.Hour),
		ExpiresAt:        now.Add(time.Hour),
		Revoked:          false,
	}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	_, _, err := svc.RefreshToken(context.Background(), plain)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

// Блокировка ротации занята — проигравший получает тот же
// неаутентифицированный отказ, что и предъявитель мусорного токена.
func TestRefreshToken_LockContention_FailsClosed(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	st := mocks.NewMockStorage(ctrl)

	locker := lock.New(kv.NewMemory(), "lock:")
	svc := New(st, testCfg(), locker, time.Minute)

	plain := signRefresh(t, svc, uuid.New(), time.Hour)

	// Блокировка на этот токен уже захвачена «другим запросом».
	require.True(t, locker.Acquire(context.Background(), "refresh:"+hashToken(plain), time.Minute))

	_, _, err := svc.RefreshToken(context.Background(), plain)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}
