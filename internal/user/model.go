package user

import "time"

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
	RoleDesigner Role = "designer"
	RoleMerchant Role = "merchant"
)

type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Password     string     `json:"-"`
	Role         Role       `json:"role"`
	RefreshToken string     `json:"-"`
	OnlineAt     *time.Time `json:"onlineAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Identity is what the relay knows about an authenticated caller.
type Identity struct {
	ID   string
	Role Role
}

type SignupRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email,max=190"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Role     Role   `json:"role" validate:"omitempty,oneof=admin agent customer designer merchant"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type PublicUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

type AuthResponse struct {
	Token string     `json:"token"`
	User  PublicUser `json:"user"`
}

// Session is the outcome of a login, signup or refresh: a fresh access token
// and the refresh token now on record for the user.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *User
}

type Presence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	OnlineAt *time.Time `json:"onlineAt"`
}

func (u *User) Public() PublicUser {
	return PublicUser{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}
