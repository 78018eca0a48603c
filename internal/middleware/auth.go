// Package middleware содержит HTTP middleware сервиса marketpay.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Role задаёт роль участника маркетплейса.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

func (r Role) valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

// Identity описывает проверенного участника запроса.
type Identity struct {
	Role Role
	ID   string
}

type contextKey string

const identityKey contextKey = "identity"

const authCookieName = "auth_token"

// AuthMiddleware проверяет подписанные токены вида "<role>:<id>.<hmac>".
// Токены выпускает внешний сервис авторизации с тем же секретом.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Без секрета используется случайный ключ, и ни один внешний токен не пройдёт проверку.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Sign возвращает токен для роли и идентификатора.
func (a *AuthMiddleware) Sign(role Role, id string) string {
	payload := string(role) + ":" + id
	return payload + "." + a.signature(payload)
}

// Middleware проверяет токен из cookie auth_token или заголовка Authorization
// и добавляет участника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := a.parse(token(r))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole пропускает только участников с одной из указанных ролей.
// Используется после Middleware.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if identity.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// IdentityFromContext извлекает участника из контекста запроса.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity кладёт участника в контекст. Нужен обработчикам в тестах.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	if cookie, err := r.Cookie(authCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (a *AuthMiddleware) parse(value string) (Identity, bool) {
	dot := strings.LastIndexByte(value, '.')
	if dot <= 0 {
		return Identity{}, false
	}
	payload, sig := value[:dot], value[dot+1:]

	if !hmac.Equal([]byte(sig), []byte(a.signature(payload))) {
		return Identity{}, false
	}

	role, id, ok := strings.Cut(payload, ":")
	if !ok || id == "" || !Role(role).valid() {
		return Identity{}, false
	}

	return Identity{Role: Role(role), ID: id}, true
}

func (a *AuthMiddleware) signature(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
