//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mock_store_test.go -package=user
package user

import (
	"context"
	"time"
)

// Store is the persistence the identity service needs.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
	// SetRefreshToken overwrites the token on record. An empty token clears it.
	SetRefreshToken(ctx context.Context, id, token string) error
	// RotateRefreshToken replaces current with next only if current is still
	// the token on record, in a single statement.
	RotateRefreshToken(ctx context.Context, id, current, next string) error
	TouchOnline(ctx context.Context, id string, at time.Time) error
}
