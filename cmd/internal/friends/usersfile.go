package friends

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// usersFile is the on-disk shape of data/users.json.
type usersFile struct {
	Users []fileUser `json:"users"`
}

type fileUser struct {
	ID               string   `json:"id"`
	Username         string   `json:"username"`
	Password         string   `json:"password"`
	Email            string   `json:"email,omitempty"`
	Nickname         string   `json:"nickname,omitempty"`
	AvatarURL        string   `json:"avatarUrl,omitempty"`
	Role             string   `json:"role,omitempty"`
	CreatedAt        string   `json:"createdAt,omitempty"`
	LastLoginAt      string   `json:"lastLoginAt,omitempty"`
	Status           string   `json:"status,omitempty"`
	LastStatusChange string   `json:"lastStatusChange,omitempty"`
	Friends          []string `json:"friends"`
}

var userTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseUserTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range userTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func formatUserTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (f fileUser) toUser() User {
	u := User{
		ID:           f.ID,
		Username:     f.Username,
		Nickname:     f.Nickname,
		Email:        f.Email,
		AvatarURL:    f.AvatarURL,
		Role:         f.Role,
		PasswordHash: f.Password,
		Status:       Status(f.Status),
		Friends:      append([]string(nil), f.Friends...),
	}
	if !validStatus(u.Status) {
		u.Status = StatusOffline
	}
	if t, ok := parseUserTime(f.CreatedAt); ok {
		u.CreatedAt = t
	}
	if t, ok := parseUserTime(f.LastLoginAt); ok {
		u.LastLoginAt = &t
	}
	if t, ok := parseUserTime(f.LastStatusChange); ok {
		u.LastStatusChange = &t
	}
	return u
}

func toFileUser(u User) fileUser {
	created := u.CreatedAt
	friends := u.Friends
	if friends == nil {
		friends = []string{}
	}
	return fileUser{
		ID:               u.ID,
		Username:         u.Username,
		Password:         u.PasswordHash,
		Email:            u.Email,
		Nickname:         u.Nickname,
		AvatarURL:        u.AvatarURL,
		Role:             u.Role,
		CreatedAt:        formatUserTime(&created),
		LastLoginAt:      formatUserTime(u.LastLoginAt),
		Status:           string(u.Status),
		LastStatusChange: formatUserTime(u.LastStatusChange),
		Friends:          friends,
	}
}

// LoadUsersFile reads a users.json export. A missing file yields no users.
func LoadUsersFile(path string) ([]User, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("friends: read %s: %w", path, err)
	}
	var f usersFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("friends: decode %s: %w", path, err)
	}
	out := make([]User, 0, len(f.Users))
	for _, fu := range f.Users {
		out = append(out, fu.toUser())
	}
	return out, nil
}

// SaveUsersFile writes users atomically in the users.json shape.
func SaveUsersFile(path string, users []User) error {
	f := usersFile{Users: make([]fileUser, 0, len(users))}
	for _, u := range users {
		f.Users = append(f.Users, toFileUser(u))
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".users-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
