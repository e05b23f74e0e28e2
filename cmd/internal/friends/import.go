package friends

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
)

// ImportResult summarizes a seed run.
type ImportResult struct {
	Users       int  `json:"users"`
	Friendships int  `json:"friendships"`
	Dangling    int  `json:"dangling"`
	Skipped     bool `json:"skipped"`
}

// Importer seeds a graph backend from an export in a single transaction.
// Implementations leave a destination that already has users untouched.
type Importer interface {
	ImportUsers(ctx context.Context, users []User) (ImportResult, error)
}

// ImportUsersFile loads a users.json export and hands it to imp.
func ImportUsersFile(ctx context.Context, imp Importer, path string, log *slog.Logger) (ImportResult, error) {
	if log == nil {
		log = slog.Default()
	}
	users, err := LoadUsersFile(path)
	if err != nil {
		return ImportResult{}, err
	}
	res, err := imp.ImportUsers(ctx, users)
	if err != nil {
		log.Error("friends.import.fail", "path", path, "err", err)
		return res, err
	}
	if res.Skipped {
		log.Info("friends.import.skip", "path", path, "reason", "destination not empty")
		return res, nil
	}
	log.Info("friends.import.ok",
		"path", path,
		"users", res.Users,
		"friendships", res.Friendships,
		"dangling", res.Dangling,
	)
	return res, nil
}

type friendship struct {
	userID   string
	friendID string
}

// importPlan normalizes an export: users without an id or username are
// dropped, and friend references to unknown users are counted as dangling.
func importPlan(users []User) ([]User, []friendship, int) {
	known := make(map[string]struct{}, len(users))
	kept := make([]User, 0, len(users))
	for _, u := range users {
		if u.ID == "" || NormalizeUsername(u.Username) == "" {
			continue
		}
		if _, dup := known[u.ID]; dup {
			continue
		}
		known[u.ID] = struct{}{}
		if !validStatus(u.Status) {
			u.Status = StatusOffline
		}
		if u.Role == "" {
			u.Role = "user"
		}
		kept = append(kept, u)
	}

	var links []friendship
	dangling := 0
	for _, u := range kept {
		seen := make(map[string]struct{}, len(u.Friends))
		for _, f := range u.Friends {
			if _, ok := known[f]; !ok || f == u.ID {
				dangling++
				continue
			}
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			links = append(links, friendship{userID: u.ID, friendID: f})
		}
	}
	slices.SortFunc(links, func(a, b friendship) int {
		return cmp.Or(strings.Compare(a.userID, b.userID), strings.Compare(a.friendID, b.friendID))
	})
	return kept, links, dangling
}
