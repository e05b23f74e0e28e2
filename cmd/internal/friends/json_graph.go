package friends

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// JSONGraph keeps the graph in memory and persists every mutation back to a
// users.json file.
type JSONGraph struct {
	path string

	mu    sync.RWMutex
	users []User
	byID  map[string]int
}

var _ Graph = (*JSONGraph)(nil)

// OpenJSONGraph loads path. A missing file starts an empty graph.
func OpenJSONGraph(path string) (*JSONGraph, error) {
	if strings.TrimSpace(path) == "" {
		return nil, invalid("friends.json.open", "missing path")
	}
	users, err := LoadUsersFile(path)
	if err != nil {
		return nil, err
	}
	g := &JSONGraph{path: path}
	g.reset(users)
	return g, nil
}

func (g *JSONGraph) reset(users []User) {
	g.users = users
	g.byID = make(map[string]int, len(users))
	for i, u := range users {
		g.byID[u.ID] = i
	}
}

// Users returns a copy of every user in file order.
func (g *JSONGraph) Users() []User {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]User, len(g.users))
	for i, u := range g.users {
		out[i] = cloneUser(u)
	}
	return out
}

func (g *JSONGraph) UserByID(_ context.Context, id string) (User, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.byID[id]
	if !ok {
		return User{}, notFound("friends.user_by_id")
	}
	return cloneUser(g.users[i]), nil
}

func (g *JSONGraph) UserByUsername(_ context.Context, username string) (User, error) {
	norm := NormalizeUsername(username)
	if norm == "" {
		return User{}, invalid("friends.user_by_username", "missing username")
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, u := range g.users {
		if NormalizeUsername(u.Username) == norm {
			return cloneUser(u), nil
		}
	}
	return User{}, notFound("friends.user_by_username")
}

func (g *JSONGraph) IsFriend(_ context.Context, userID, friendID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.byID[userID]
	if !ok {
		return false, nil
	}
	return slices.Contains(g.users[i].Friends, friendID), nil
}

func (g *JSONGraph) Friends(_ context.Context, userID string) ([]User, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.byID[userID]
	if !ok {
		return nil, notFound("friends.friends")
	}
	out := make([]User, 0, len(g.users[i].Friends))
	for _, fid := range g.users[i].Friends {
		if j, ok := g.byID[fid]; ok {
			out = append(out, cloneUser(g.users[j]))
		}
	}
	sortByUsername(out)
	return out, nil
}

func (g *JSONGraph) CreateUser(_ context.Context, in CreateUserInput) (User, error) {
	const op = "friends.json.create_user"
	if err := validateCreate(op, &in); err != nil {
		return User{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byID[in.ID]; ok {
		return User{}, ConflictError{Op: op, Field: "id"}
	}
	norm := NormalizeUsername(in.Username)
	for _, u := range g.users {
		if NormalizeUsername(u.Username) == norm {
			return User{}, ConflictError{Op: op, Field: "username"}
		}
	}

	u := User{
		ID:           in.ID,
		Username:     in.Username,
		Nickname:     in.Nickname,
		Email:        in.Email,
		Role:         "user",
		PasswordHash: in.PasswordHash,
		Status:       StatusOffline,
		CreatedAt:    in.Now.UTC(),
		Friends:      []string{},
	}
	if u.Nickname == "" {
		u.Nickname = u.Username
	}
	next := append(slices.Clone(g.users), u)
	if err := SaveUsersFile(g.path, next); err != nil {
		return User{}, storageErr(op, err)
	}
	g.reset(next)
	return cloneUser(u), nil
}

func (g *JSONGraph) UpdateStatus(_ context.Context, userID string, status Status, at time.Time) error {
	if !validStatus(status) {
		return invalid("friends.json.update_status", "unknown status")
	}
	return g.mutate("friends.json.update_status", userID, func(u *User) {
		t := at.UTC()
		u.Status = status
		u.LastStatusChange = &t
	})
}

func (g *JSONGraph) TouchLogin(_ context.Context, userID string, at time.Time) error {
	return g.mutate("friends.json.touch_login", userID, func(u *User) {
		t := at.UTC()
		u.LastLoginAt = &t
		u.Status = StatusOnline
		u.LastStatusChange = &t
	})
}

func (g *JSONGraph) mutate(op, userID string, fn func(*User)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.byID[userID]
	if !ok {
		return notFound(op)
	}
	next := slices.Clone(g.users)
	u := cloneUser(next[i])
	fn(&u)
	next[i] = u
	if err := SaveUsersFile(g.path, next); err != nil {
		return storageErr(op, err)
	}
	g.users = next
	return nil
}

func cloneUser(u User) User {
	u.Friends = slices.Clone(u.Friends)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		u.LastLoginAt = &t
	}
	if u.LastStatusChange != nil {
		t := *u.LastStatusChange
		u.LastStatusChange = &t
	}
	return u
}

func sortByUsername(users []User) {
	sort.SliceStable(users, func(i, j int) bool {
		return NormalizeUsername(users[i].Username) < NormalizeUsername(users[j].Username)
	})
}
