package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-relay/internal/apperr"
	"chat-relay/internal/validate"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "chat-relay"

type Options struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type Service struct {
	repo          Store
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

type MyJWTClaims struct {
	ID   string `json:"id"`
	Role Role   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func NewService(repo Store, opts Options) *Service {
	return &Service{
		repo:          repo,
		accessSecret:  []byte(opts.AccessSecret),
		refreshSecret: []byte(opts.RefreshSecret),
		accessTTL:     opts.AccessTTL,
		refreshTTL:    opts.RefreshTTL,
		now:           time.Now,
	}
}

func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

func (s *Service) Register(ctx context.Context, req *SignupRequest) (*Session, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	if req.Role == "" {
		req.Role = RoleCustomer
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(req.Name),
		Email:    strings.ToLower(strings.TrimSpace(req.Email)),
		Password: string(hashedPwd),
		Role:     req.Role,
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return s.issue(ctx, u)
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*Session, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Unauthenticated("Invalid credentials")
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, apperr.Unauthenticated("Invalid credentials")
	}
	return s.issue(ctx, u)
}

// issue signs a token pair and records the refresh token as the only valid one.
func (s *Service) issue(ctx context.Context, u *User) (*Session, error) {
	access, err := s.signAccess(u)
	if err != nil {
		return nil, err
	}
	refresh, err := s.signRefresh(u)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetRefreshToken(ctx, u.ID, refresh); err != nil {
		return nil, err
	}
	u.RefreshToken = refresh
	return &Session{AccessToken: access, RefreshToken: refresh, User: u}, nil
}

func (s *Service) signAccess(u *User) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:   u.ID,
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	})
	return token.SignedString(s.accessSecret)
}

func (s *Service) signRefresh(u *User) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID: u.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			// A unique id keeps two tokens minted in the same second distinct.
			ID:        uuid.NewString(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		},
	})
	return token.SignedString(s.refreshSecret)
}

func (s *Service) parse(tokenString string, secret []byte) (*MyJWTClaims, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.ID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// ValidateToken checks an access token's signature and expiry without
// touching the store.
func (s *Service) ValidateToken(tokenString string) (string, Role, error) {
	claims, err := s.parse(tokenString, s.accessSecret)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", &apperr.Error{Kind: ErrTokenExpired, Msg: "Token expired"}
		}
		return "", "", apperr.Unauthenticated("Invalid token")
	}
	return claims.ID, claims.Role, nil
}

// ErrTokenExpired marks an access token that was valid but has expired; it
// is the only failure the refresh flow may recover from.
var ErrTokenExpired = fmt.Errorf("%w: token expired", apperr.ErrUnauthenticated)

// Authenticate resolves an access token to a user that still exists.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*Identity, error) {
	id, _, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Unauthenticated("User not found")
		}
		return nil, err
	}
	return &Identity{ID: u.ID, Role: u.Role}, nil
}

// Refresh exchanges a refresh token for a new access token and rotates the
// refresh token. The presented token must be the one on record; the swap is
// a compare-and-set so a token can be redeemed at most once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, apperr.Unauthenticated("No refresh token")
	}
	claims, err := s.parse(refreshToken, s.refreshSecret)
	if err != nil {
		return nil, apperr.Unauthenticated("Refresh token expired, please login")
	}

	u, err := s.repo.GetUserByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.InvalidCredential("Invalid refresh token")
		}
		return nil, err
	}
	if u.RefreshToken != refreshToken {
		return nil, apperr.InvalidCredential("Invalid refresh token")
	}

	access, err := s.signAccess(u)
	if err != nil {
		return nil, err
	}
	next, err := s.signRefresh(u)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RotateRefreshToken(ctx, u.ID, refreshToken, next); err != nil {
		return nil, err
	}
	u.RefreshToken = next
	return &Session{AccessToken: access, RefreshToken: next, User: u}, nil
}

// Logout forgets the refresh token on record for whoever owns refreshToken.
// Unknown or expired tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	claims, err := s.parse(refreshToken, s.refreshSecret)
	if err != nil {
		return nil
	}
	err = s.repo.RotateRefreshToken(ctx, claims.ID, refreshToken, "")
	if errors.Is(err, apperr.ErrInvalidCredential) {
		return nil
	}
	return err
}

func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func (s *Service) TouchOnline(ctx context.Context, id string) error {
	return s.repo.TouchOnline(ctx, id, s.now())
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}
