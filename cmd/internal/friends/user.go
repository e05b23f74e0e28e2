package friends

import (
	"context"
	"strings"
	"time"
)

// Status is a user's presence as last recorded by the server.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// User is a chat account. PasswordHash is never sent to clients; use Profile.
type User struct {
	ID               string
	Username         string
	Nickname         string
	Email            string
	AvatarURL        string
	Role             string
	PasswordHash     string
	Status           Status
	CreatedAt        time.Time
	LastLoginAt      *time.Time
	LastStatusChange *time.Time
	Friends          []string
}

// Profile is the client-facing view of a user.
type Profile struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Nickname    string     `json:"nickname,omitempty"`
	Email       string     `json:"email,omitempty"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	Role        string     `json:"role,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

// Profile strips credentials and the friend list.
func (u User) Profile() Profile {
	st := u.Status
	if st == "" {
		st = StatusOffline
	}
	return Profile{
		ID:          u.ID,
		Username:    u.Username,
		Nickname:    u.Nickname,
		Email:       u.Email,
		AvatarURL:   u.AvatarURL,
		Role:        u.Role,
		Status:      st,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

// CreateUserInput describes a registration. PasswordHash is already hashed.
type CreateUserInput struct {
	ID           string
	Username     string
	PasswordHash string
	Email        string
	Nickname     string
	Now          time.Time
}

// Graph is the user and friendship boundary used by auth and chat.
type Graph interface {
	UserByID(ctx context.Context, id string) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	// IsFriend reports whether friendID is on userID's friend list.
	IsFriend(ctx context.Context, userID, friendID string) (bool, error)
	// Friends returns the users on userID's friend list, ordered by username.
	Friends(ctx context.Context, userID string) ([]User, error)
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	UpdateStatus(ctx context.Context, userID string, status Status, at time.Time) error
	TouchLogin(ctx context.Context, userID string, at time.Time) error
}

// NormalizeUsername performs case-insensitive canonicalization.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validateCreate(op string, in *CreateUserInput) error {
	in.ID = strings.TrimSpace(in.ID)
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.ID == "" {
		return invalid(op, "missing id")
	}
	if in.Username == "" {
		return invalid(op, "username is required")
	}
	if in.PasswordHash == "" {
		return invalid(op, "password hash is required")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return nil
}

func validStatus(s Status) bool {
	return s == StatusOnline || s == StatusOffline
}
