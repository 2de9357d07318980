package user

import (
	"context"
	"testing"
	"time"

	"chat-relay/internal/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) (*Service, *MockStore) {
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	svc := NewService(store, Options{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	})
	return svc, store
}

func newTestUser(t *testing.T, password string) *User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return &User{
		ID:       uuid.NewString(),
		Name:     "Alice",
		Email:    "alice@example.com",
		Password: string(hash),
		Role:     RoleCustomer,
	}
}

func TestService_Login_IssuesTokensAndRecordsRefresh(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, store := newTestService(t)
	u := newTestUser(t, "secret123")

	// Given the user exists
	store.EXPECT().GetUserByEmail(ctx, "alice@example.com").Return(u, nil)
	store.EXPECT().SetRefreshToken(ctx, u.ID, gomock.Any()).Return(nil)

	// When they log in with a differently cased email
	sess, err := svc.Login(ctx, &LoginRequest{Email: "Alice@Example.com", Password: "secret123"})

	// Then an access token resolving to them is issued
	req.NoError(err)
	req.NotEmpty(sess.RefreshToken)
	id, role, err := svc.ValidateToken(sess.AccessToken)
	req.NoError(err)
	req.Equal(u.ID, id)
	req.Equal(RoleCustomer, role)
}

func TestService_Login_WrongPassword(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, store := newTestService(t)
	u := newTestUser(t, "secret123")

	store.EXPECT().GetUserByEmail(ctx, u.Email).Return(u, nil)

	_, err := svc.Login(ctx, &LoginRequest{Email: u.Email, Password: "nope-nope"})

	req.ErrorIs(err, apperr.ErrUnauthenticated)
	req.Equal("Invalid credentials", apperr.Message(err))
}

func TestService_Login_UnknownEmail(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, store := newTestService(t)

	store.EXPECT().GetUserByEmail(ctx, "ghost@example.com").Return(nil, apperr.NotFound("User not found"))

	_, err := svc.Login(ctx, &LoginRequest{Email: "ghost@example.com", Password: "whatever"})

	req.ErrorIs(err, apperr.ErrUnauthenticated)
}

func TestService_Register_RejectsUnknownRoleBeforeStore(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t)

	// No store expectations: validation must fail first
	_, err := svc.Register(context.Background(), &SignupRequest{
		Name: "Mallory", Email: "m@example.com", Password: "secret123", Role: "root",
	})

	req.ErrorIs(err, apperr.ErrInvalidArgument)
}

func TestService_Register_DefaultsToCustomer(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, store := newTestService(t)

	var created *User
	store.EXPECT().CreateUser(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, u *User) error {
		created = u
		return nil
	})
	store.EXPECT().SetRefreshToken(ctx, gomock.Any(), gomock.Any()).Return(nil)

	sess, err := svc.Register(ctx, &SignupRequest{Name: " Bob ", Email: "BOB@example.com", Password: "secret123"})

	req.NoError(err)
	req.Equal(RoleCustomer, created.Role)
	req.Equal("bob@example.com", created.Email)
	req.Equal("Bob", created.Name)
	req.NotEqual("secret123", created.Password)
	req.Equal(created.ID, sess.User.ID)
}

func TestService_ValidateToken_Expired(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t)
	u := newTestUser(t, "secret123")

	// Given a token minted an hour ago
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := svc.signAccess(u)
	req.NoError(err)
	svc.now = time.Now

	// When it is validated now
	_, _, err = svc.ValidateToken(token)

	// Then it is reported as expired, which is still unauthenticated
	req.ErrorIs(err, ErrTokenExpired)
	req.ErrorIs(err, apperr.ErrUnauthenticated)
}

func TestService_ValidateToken_RejectsRefreshToken(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t)
	u := newTestUser(t, "secret123")

	refresh, err := svc.signRefresh(u)
	req.NoError(err)

	_, _, err = svc.ValidateToken(refresh)

	req.ErrorIs(err, apperr.ErrUnauthenticated)
	req.NotErrorIs(err, ErrTokenExpired)
}

func TestService_Authenticate_UserGone(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, store := newTestService(t)
	u := newTestUser(t, "secret123")
	token, err := svc.signAccess(u)
	req.NoError(err)

	store.EXPECT().GetUserByID(ctx, u.ID).Return(nil, apperr.NotFound("User not found"))

	_, err = svc.Authenticate(ctx, token)

	req.ErrorIs(err, apperr.ErrUnauthenticated)
}

func TestService_Refresh_RotatesRefreshToken(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, store := newTestService(t)
	u := newTestUser(t, "secret123")
	current, err := svc.signRefresh(u)
	req.NoError(err)
	u.RefreshToken = current

	// Given the presented token is the one on record
	store.EXPECT().GetUserByID(ctx, u.ID).Return(u, nil)
	var stored string
	store.EXPECT().RotateRefreshToken(ctx, u.ID, current, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _, next string) error {
			stored = next
			return nil
		})

	// When it is redeemed
	sess, err := svc.Refresh(ctx, current)

	// Then a new refresh token is issued and it is exactly what was stored
	req.NoError(err)
	req.NotEqual(current, sess.RefreshToken)
	req.Equal(stored, sess.RefreshToken)
	id, _, err := svc.ValidateToken(sess.AccessToken)
	req.NoError(err)
	req.Equal(u.ID, id)
}

func TestService_Refresh_StaleTokenIsInvalidCredential(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, store := newTestService(t)
	u := newTestUser(t, "secret123")
	old, err := svc.signRefresh(u)
	req.NoError(err)
	u.RefreshToken, err = svc.signRefresh(u)
	req.NoError(err)

	// Given the user's token was already rotated
	store.EXPECT().GetUserByID(ctx, u.ID).Return(u, nil)

	// When the old token is presented, no rotation is attempted
	_, err = svc.Refresh(ctx, old)

	req.ErrorIs(err, apperr.ErrInvalidCredential)
}

func TestService_Refresh_LosesConcurrentRotation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, store := newTestService(t)
	u := newTestUser(t, "secret123")
	current, err := svc.signRefresh(u)
	req.NoError(err)
	u.RefreshToken = current

	// Given another request rotates the token between read and write
	store.EXPECT().GetUserByID(ctx, u.ID).Return(u, nil)
	store.EXPECT().RotateRefreshToken(ctx, u.ID, current, gomock.Any()).
		Return(apperr.InvalidCredential("Invalid refresh token"))

	_, err = svc.Refresh(ctx, current)

	req.ErrorIs(err, apperr.ErrInvalidCredential)
}

func TestService_Refresh_GarbageToken(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t)

	_, err := svc.Refresh(context.Background(), "not-a-jwt")

	req.ErrorIs(err, apperr.ErrUnauthenticated)
}

func TestService_Logout_ClearsTokenOnRecord(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc, store := newTestService(t)
	u := newTestUser(t, "secret123")
	current, err := svc.signRefresh(u)
	req.NoError(err)

	store.EXPECT().RotateRefreshToken(ctx, u.ID, current, "").Return(nil)

	req.NoError(svc.Logout(ctx, current))
	req.NoError(svc.Logout(ctx, ""))
}
