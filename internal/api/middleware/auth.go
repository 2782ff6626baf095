// auth.go — проверка административного доступа к Patient Media.
// Middleware не отклоняет запросы сам: он вычисляет Access и кладёт его
// в контекст, а диспетчер отвечает PERMISSION_DENIED до любой бизнес-логики.
// Источники доступа: JWT (RS256 + JWKS) с одной из административных ролей
// или dev-bypass (PM_DEV_BYPASS_ADMIN_ID). Без них доступ запрещён.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyAccess — результат проверки доступа в контексте запроса.
const ContextKeyAccess contextKey = "pm_access"

// Access — результат проверки доступа.
type Access struct {
	Allowed bool   `json:"allowed"`
	AdminID string `json:"adminId"`
}

// adminClaims — claims JWT, из которых извлекаются роли.
type adminClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	Roles             []string     `json:"roles,omitempty"`
	Groups            []string     `json:"groups,omitempty"`
}

// realmAccess — вложенная структура realm_access в Keycloak JWT.
type realmAccess struct {
	Roles []string `json:"roles"`
}

// allRoles возвращает роли из всех поддерживаемых claims.
func (c *adminClaims) allRoles() []string {
	var roles []string
	if c.RealmAccess != nil {
		roles = append(roles, c.RealmAccess.Roles...)
	}
	roles = append(roles, c.Roles...)
	for _, g := range c.Groups {
		roles = append(roles, strings.TrimPrefix(g, "/"))
	}
	return roles
}

// AdminAuthConfig — параметры проверки доступа.
type AdminAuthConfig struct {
	// URL JWKS endpoint (пусто — JWT не проверяется)
	JWKSURL string
	// Ожидаемый issuer (пусто — не проверяется)
	Issuer string
	// Роли, дающие административный доступ
	AdminRoles []string
	// Идентификатор администратора dev-режима (пусто — отключено)
	DevBypassAdminID string
	// Таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
}

// AdminAuth — проверка административного доступа.
type AdminAuth struct {
	jwks       keyfunc.Keyfunc
	issuer     string
	adminRoles []string
	devBypass  string
	jwtLeeway  time.Duration
	logger     *slog.Logger
}

// NewAdminAuth создаёт проверку доступа. JWKS загружается в фоне:
// сервис стартует, даже если endpoint ещё недоступен.
func NewAdminAuth(cfg AdminAuthConfig, logger *slog.Logger) (*AdminAuth, error) {
	a := &AdminAuth{
		issuer:     cfg.Issuer,
		adminRoles: cfg.AdminRoles,
		devBypass:  cfg.DevBypassAdminID,
		jwtLeeway:  cfg.JWTLeeway,
		logger:     logger.With(slog.String("component", "admin_auth")),
	}

	if cfg.DevBypassAdminID != "" {
		a.logger.Warn("Включён dev-bypass: все запросы выполняются от имени администратора",
			slog.String("admin_id", cfg.DevBypassAdminID),
		)
	}
	if cfg.JWKSURL == "" {
		return a, nil
	}

	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: cfg.ClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	a.jwks = k
	return a, nil
}

// NewAdminAuthWithKeyfunc создаёт проверку доступа с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS. kf может быть nil.
func NewAdminAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, adminRoles []string, devBypass string, logger *slog.Logger) *AdminAuth {
	return &AdminAuth{
		jwks:       kf,
		issuer:     issuer,
		adminRoles: adminRoles,
		devBypass:  devBypass,
		logger:     logger.With(slog.String("component", "admin_auth")),
	}
}

// Middleware кладёт результат проверки доступа в контекст запроса.
func (a *AdminAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ContextKeyAccess, a.Check(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Check вычисляет доступ для запроса. Валидный токен администратора
// имеет приоритет над dev-bypass.
func (a *AdminAuth) Check(r *http.Request) Access {
	if token := bearerToken(r); token != "" && a.jwks != nil {
		if id, ok := a.verify(r.Context(), token, r.RemoteAddr); ok {
			return Access{Allowed: true, AdminID: id}
		}
	}
	if a.devBypass != "" {
		return Access{Allowed: true, AdminID: a.devBypass}
	}
	return Access{}
}

// verify проверяет подпись и роли токена и возвращает идентификатор администратора.
func (a *AdminAuth) verify(ctx context.Context, tokenString, remoteAddr string) (string, bool) {
	claims := &adminClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.jwtLeeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, a.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil || !token.Valid {
		a.logger.Debug("JWT валидация не пройдена",
			slog.Any("error", err),
			slog.String("remote_addr", remoteAddr),
		)
		return "", false
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", false
	}

	roles := claims.allRoles()
	for _, role := range a.adminRoles {
		if slices.Contains(roles, role) {
			return subject, true
		}
	}

	a.logger.Debug("У субъекта нет административной роли",
		slog.String("subject", subject),
		slog.String("username", claims.PreferredUsername),
	)
	return "", false
}

// bearerToken извлекает токен из заголовка Authorization.
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AccessFromContext извлекает результат проверки доступа.
// Без middleware доступ запрещён.
func AccessFromContext(ctx context.Context) Access {
	access, _ := ctx.Value(ContextKeyAccess).(Access)
	return access
}
