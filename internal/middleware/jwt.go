package myMiddleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"chat-relay/internal/apperr"
	"chat-relay/internal/httpx"
	"chat-relay/internal/user"

	"go.uber.org/zap"
)

// 1. Define Context Keys (Exported so other packages can read them)
type contextKey string

const (
	UserKey contextKey = "user_id"
	RoleKey contextKey = "role"
)

// AccessTokenHeader carries a renewed access token back to the client.
const AccessTokenHeader = "x-access-token"

// 2. Define what we need from the User Service
// This interface decouples 'middleware' from the service implementation
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*user.Identity, error)
	Refresh(ctx context.Context, refreshToken string) (*user.Session, error)
	RefreshTTL() time.Duration
}

// 3. The Middleware Structure
type AuthMiddleware struct {
	auth   Authenticator
	secure bool
	log    *zap.Logger
}

func NewAuthMiddleware(a Authenticator, secureCookies bool, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{auth: a, secure: secureCookies, log: log}
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// 4. The actual Handler
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := BearerToken(r)
		if tokenString == "" {
			httpx.Error(w, am.log, apperr.Unauthenticated("No token provided"))
			return
		}

		id, err := am.auth.Authenticate(r.Context(), tokenString)
		if errors.Is(err, user.ErrTokenExpired) {
			id, err = am.renew(w, r)
		}
		if err != nil {
			httpx.Error(w, am.log, err)
			return
		}

		// Inject into Context
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// renew trades the refresh cookie for a new token pair. The new access token
// goes out in a response header, the rotated refresh token in the cookie.
func (am *AuthMiddleware) renew(w http.ResponseWriter, r *http.Request) (*user.Identity, error) {
	c, err := r.Cookie(user.RefreshCookie)
	if err != nil || c.Value == "" {
		return nil, apperr.Unauthenticated("Token expired, please login again")
	}

	sess, err := am.auth.Refresh(r.Context(), c.Value)
	if err != nil {
		am.log.Warn("refresh on expired access token failed", zap.Error(err))
		// A rejected refresh token is spent; stop the browser sending it.
		if errors.Is(err, apperr.ErrInvalidCredential) {
			user.ClearRefreshCookie(w, am.secure)
		}
		return nil, err
	}

	user.SetRefreshCookie(w, sess.RefreshToken, am.auth.RefreshTTL(), am.secure)
	w.Header().Set(AccessTokenHeader, sess.AccessToken)
	return &user.Identity{ID: sess.User.ID, Role: sess.User.Role}, nil
}

func WithIdentity(ctx context.Context, id *user.Identity) context.Context {
	ctx = context.WithValue(ctx, UserKey, id.ID)
	return context.WithValue(ctx, RoleKey, id.Role)
}

// IdentityFrom returns the caller injected by Handle.
func IdentityFrom(ctx context.Context) (*user.Identity, bool) {
	id, ok := ctx.Value(UserKey).(string)
	role, ok2 := ctx.Value(RoleKey).(user.Role)
	if !ok || !ok2 || id == "" {
		return nil, false
	}
	return &user.Identity{ID: id, Role: role}, true
}

// RequireRole restricts a route to the listed roles. It must run after Handle.
func RequireRole(log *zap.Logger, allowed ...user.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				httpx.Error(w, log, apperr.Unauthenticated("Unauthorized: no user in request"))
				return
			}
			for _, role := range allowed {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.Error(w, log, apperr.Denied("Forbidden: role '"+string(id.Role)+"' does not have access"))
		})
	}
}
