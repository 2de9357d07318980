package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chat-relay/internal/apperr"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	query := `INSERT INTO users (id, name, email, password, role)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, u.ID, u.Name, u.Email, u.Password, u.Role).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperr.Conflict("Email already in use")
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const selectUser = `SELECT id, name, email, password, role, COALESCE(refresh_token, ''), online_at, created_at FROM users`

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getUser(ctx, selectUser+" WHERE email = $1", email)
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	return r.getUser(ctx, selectUser+" WHERE id = $1", id)
}

func (r *Repository) getUser(ctx context.Context, query string, arg string) (*User, error) {
	u := &User{}
	var onlineAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Name, &u.Email, &u.Password, &u.Role, &u.RefreshToken, &onlineAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("User not found")
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if onlineAt.Valid {
		u.OnlineAt = &onlineAt.Time
	}
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT id, name, email, role FROM users WHERE name ILIKE $1 OR email ILIKE $1 ORDER BY name LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *Repository) SetRefreshToken(ctx context.Context, id, token string) error {
	query := `UPDATE users SET refresh_token = NULLIF($2, '') WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, token); err != nil {
		return fmt.Errorf("set refresh token: %w", err)
	}
	return nil
}

func (r *Repository) RotateRefreshToken(ctx context.Context, id, current, next string) error {
	query := `UPDATE users SET refresh_token = NULLIF($3, '') WHERE id = $1 AND refresh_token = $2`
	res, err := r.db.ExecContext(ctx, query, id, current, next)
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	if n == 0 {
		return apperr.InvalidCredential("Invalid refresh token")
	}
	return nil
}

func (r *Repository) TouchOnline(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET online_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touch online: %w", err)
	}
	return nil
}
