package user

import (
	"context"
	"net/http"
	"time"

	"chat-relay/internal/apperr"
	"chat-relay/internal/httpx"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RefreshCookie = "refreshToken"

// OnlineChecker reports whether a user currently holds a live session.
type OnlineChecker interface {
	Online(ctx context.Context, userID string) (bool, error)
}

type Handler struct {
	Service  *Service
	presence OnlineChecker
	secure   bool
	log      *zap.Logger
}

func NewHandler(s *Service, presence OnlineChecker, secureCookies bool, log *zap.Logger) *Handler {
	return &Handler{Service: s, presence: presence, secure: secureCookies, log: log}
}

// SetRefreshCookie hands the refresh token to the browser, scoped so scripts
// cannot read it.
func SetRefreshCookie(w http.ResponseWriter, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

// ClearRefreshCookie expires the refresh cookie on the client.
func ClearRefreshCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	sess, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	SetRefreshCookie(w, sess.RefreshToken, h.Service.RefreshTTL(), h.secure)
	httpx.JSON(w, http.StatusCreated, AuthResponse{Token: sess.AccessToken, User: sess.User.Public()})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	sess, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	SetRefreshCookie(w, sess.RefreshToken, h.Service.RefreshTTL(), h.secure)
	httpx.JSON(w, http.StatusOK, AuthResponse{Token: sess.AccessToken, User: sess.User.Public()})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var token string
	if c, err := r.Cookie(RefreshCookie); err == nil {
		token = c.Value
	}

	sess, err := h.Service.Refresh(r.Context(), token)
	if err != nil {
		ClearRefreshCookie(w, h.secure)
		httpx.Error(w, h.log, err)
		return
	}

	SetRefreshCookie(w, sess.RefreshToken, h.Service.RefreshTTL(), h.secure)
	httpx.JSON(w, http.StatusOK, map[string]string{"token": sess.AccessToken})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(RefreshCookie); err == nil {
		if err := h.Service.Logout(r.Context(), c.Value); err != nil {
			httpx.Error(w, h.log, err)
			return
		}
	}
	ClearRefreshCookie(w, h.secure)
	httpx.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, users)
}

func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		httpx.Error(w, h.log, apperr.NotFound("User not found"))
		return
	}
	u, err := h.Service.GetUser(r.Context(), id)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	online := false
	if h.presence != nil {
		online, err = h.presence.Online(r.Context(), id)
		if err != nil {
			// Presence is advisory; fall back to the stored timestamp alone.
			h.log.Warn("presence lookup failed", zap.String("user_id", id), zap.Error(err))
		}
	}
	httpx.JSON(w, http.StatusOK, Presence{UserID: u.ID, Online: online, OnlineAt: u.OnlineAt})
}
