package users

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2beens/inkpost/pkg"
)

const (
	MinPasswordLength = 6
	// bcrypt only looks at the first 72 bytes
	MaxPasswordBytes = 72
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrEmailTaken        = errors.New("a user with this email already exists")
	ErrMissingFields     = errors.New("all fields are required")
	ErrPasswordTooShort  = errors.New("password too short")
	ErrPasswordTooLong   = errors.New("password too long")
	ErrPasswordNotHashed = errors.New("password not hashed")
)

type User struct {
	ID           int       `json:"id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Normalize trims the names and lowercases the email.
func (u *User) Normalize() {
	u.FirstName = strings.TrimSpace(u.FirstName)
	u.LastName = strings.TrimSpace(u.LastName)
	u.Email = NormalizeEmail(u.Email)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SetPassword hashes the plaintext password into PasswordHash. It is the only
// place a password gets hashed, so a stored hash is never hashed twice.
func (u *User) SetPassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordBytes {
		return ErrPasswordTooLong
	}

	hash, err := pkg.HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return pkg.CheckPasswordHash(password, u.PasswordHash)
}

func (u *User) Validate() error {
	if u.FirstName == "" || u.LastName == "" || u.Email == "" {
		return ErrMissingFields
	}
	if u.PasswordHash == "" {
		return ErrPasswordNotHashed
	}
	return nil
}

// WithoutPassword returns a copy safe to pass around request handling.
func (u *User) WithoutPassword() *User {
	c := *u
	c.PasswordHash = ""
	return &c
}

type ctxKey struct{}

func NewContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

func FromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(ctxKey{}).(*User)
	return user, ok && user != nil
}
