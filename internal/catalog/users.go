package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned by VerifyCredentials for an unknown
	// login or a wrong password. The two are not distinguished.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInactive is returned by VerifyCredentials when the password is
	// right but the account has been deactivated.
	ErrInactive = errors.New("user inactive")

	// ErrDuplicateLogin is returned by CreateUser when the login is taken.
	ErrDuplicateLogin = errors.New("login already exists")

	// ErrMissingCredentials is returned by CreateUser when the login is
	// blank or the password is empty.
	ErrMissingCredentials = errors.New("login and password are required")
)

// Account statuses. Only active users may sign in.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// User is an account allowed to sign in to the app. The password hash never
// leaves the package.
type User struct {
	FullName string `json:"full_name"`
	Login    string `json:"login"`
	Email    string `json:"email"`
	Level    string `json:"level"`
	Status   string `json:"status"`
	ID       int64  `json:"id"`
}

// NewUser is the input to CreateUser.
type NewUser struct {
	FullName string `json:"full_name"`
	Login    string `json:"login"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Level    string `json:"level"`
}

// CreateUser stores a new active user with a bcrypt password hash.
func (s *Store) CreateUser(ctx context.Context, u NewUser) (int64, error) {
	if strings.TrimSpace(u.Login) == "" || u.Password == "" {
		return 0, ErrMissingCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (full_name, login, email, password_hash, level, status) VALUES (?, ?, ?, ?, ?, ?)",
		u.FullName, u.Login, u.Email, string(hash), u.Level, StatusActive)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, ErrDuplicateLogin
		}
		return 0, fmt.Errorf("create user %s: %w", u.Login, err)
	}
	return res.LastInsertId()
}

// ListUsers returns all users ordered by full name.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, full_name, login, email, level, status FROM users ORDER BY full_name, id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.FullName, &u.Login, &u.Email, &u.Level, &u.Status); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ToggleUserStatus flips user id between active and inactive and returns
// the new status.
func (s *Store) ToggleUserStatus(ctx context.Context, id int64) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM users WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read user %d: %w", id, err)
	}

	next := StatusInactive
	if status != StatusActive {
		next = StatusActive
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE users SET status = ? WHERE id = ?", next, id); err != nil {
		return "", fmt.Errorf("update user %d: %w", id, err)
	}
	return next, nil
}

// DeleteUser removes user id. Deleting a missing user is not an error.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete user %d: %w", id, err)
	}
	return nil
}

// VerifyCredentials checks login and password and returns the user's level.
// An inactive user with the right password gets ErrInactive; anything else
// that does not match gets ErrInvalidCredentials.
func (s *Store) VerifyCredentials(ctx context.Context, login, password string) (string, error) {
	var hash, level, status string
	err := s.db.QueryRowContext(ctx,
		"SELECT password_hash, level, status FROM users WHERE login = ?", login).Scan(&hash, &level, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("read user %s: %w", login, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	if status == StatusInactive {
		return "", ErrInactive
	}
	return level, nil
}
