package models

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rohanthewiz/serr"
	"golang.org/x/crypto/bcrypt"
)

// User is an account that one or more field devices share. Sequence numbers
// are partitioned per (user, device), so the account is the sync boundary.
type User struct {
	ID           int64          `json:"id"`
	GUID         string         `json:"guid"`
	Username     string         `json:"username"`
	Email        sql.NullString `json:"email"`
	PasswordHash string         `json:"-"` // never exposed in JSON
	DisplayName  sql.NullString `json:"display_name"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastLoginAt  sql.NullTime   `json:"last_login_at"`
}

const CreateUsersTableSQL = `
CREATE SEQUENCE IF NOT EXISTS users_id_seq START 1;

CREATE TABLE IF NOT EXISTS users (
    id            BIGINT PRIMARY KEY DEFAULT nextval('users_id_seq'),
    guid          VARCHAR NOT NULL UNIQUE,
    username      VARCHAR NOT NULL UNIQUE,
    email         VARCHAR UNIQUE,
    password_hash VARCHAR NOT NULL,
    display_name  VARCHAR,
    is_active     BOOLEAN DEFAULT true,
    created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    last_login_at TIMESTAMP
);
`

// UserOutput is the JSON-safe view of a user for API responses.
type UserOutput struct {
	GUID        string `json:"guid"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// UserRegisterInput carries registration fields from the API layer.
type UserRegisterInput struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// ToOutput converts a User to its API representation.
func (u *User) ToOutput() UserOutput {
	out := UserOutput{GUID: u.GUID, Username: u.Username}
	if u.Email.Valid {
		out.Email = u.Email.String
	}
	if u.DisplayName.Valid {
		out.DisplayName = u.DisplayName.String
	}
	return out
}

// CreateUser registers a new account with a bcrypt-hashed password.
func CreateUser(input UserRegisterInput) (*User, error) {
	username := strings.TrimSpace(strings.ToLower(input.Username))
	if len(username) < 3 {
		return nil, serr.New("username must be at least 3 characters")
	}
	if len(input.Password) < 8 {
		return nil, serr.New("password must be at least 8 characters")
	}

	existing, err := GetUserByUsername(username)
	if err != nil {
		return nil, serr.Wrap(err, "failed to check existing username")
	}
	if existing != nil {
		return nil, serr.New("username already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, serr.Wrap(err, "failed to hash password")
	}

	email := sql.NullString{String: input.Email, Valid: input.Email != ""}
	displayName := sql.NullString{String: input.DisplayName, Valid: input.DisplayName != ""}

	user := &User{}
	err = db.QueryRow(`
		INSERT INTO users (guid, username, email, password_hash, display_name)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id, guid, username, email, password_hash, display_name, is_active,
		          created_at, updated_at, last_login_at`,
		uuid.New().String(), username, email, string(hash), displayName,
	).Scan(&user.ID, &user.GUID, &user.Username, &user.Email, &user.PasswordHash,
		&user.DisplayName, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		return nil, serr.Wrap(err, "failed to insert user")
	}

	return user, nil
}

// AuthenticateUser verifies credentials and stamps last_login_at.
// Returns nil without error when the credentials don't match, so callers
// can distinguish "wrong password" from a storage failure.
func AuthenticateUser(username, password string) (*User, error) {
	user, err := GetUserByUsername(strings.TrimSpace(strings.ToLower(username)))
	if err != nil {
		return nil, serr.Wrap(err, "failed to look up user")
	}
	if user == nil || !user.IsActive {
		return nil, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil
	}

	if _, err := db.Exec(`UPDATE users SET last_login_at = CURRENT_TIMESTAMP WHERE guid = ?`, user.GUID); err != nil {
		return nil, serr.Wrap(err, "failed to update last login")
	}

	return user, nil
}

// GetUserByUsername returns nil if no such user exists.
func GetUserByUsername(username string) (*User, error) {
	return scanUser(db.QueryRow(`
		SELECT id, guid, username, email, password_hash, display_name, is_active,
		       created_at, updated_at, last_login_at
		FROM users WHERE username = ?`, username))
}

// GetUserByGUID returns nil if no such user exists.
func GetUserByGUID(guid string) (*User, error) {
	return scanUser(db.QueryRow(`
		SELECT id, guid, username, email, password_hash, display_name, is_active,
		       created_at, updated_at, last_login_at
		FROM users WHERE guid = ?`, guid))
}

func scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	err := row.Scan(&user.ID, &user.GUID, &user.Username, &user.Email, &user.PasswordHash,
		&user.DisplayName, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr.Wrap(err, "failed to scan user row")
	}
	return user, nil
}
