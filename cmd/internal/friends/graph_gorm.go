package friends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormUser struct {
	ID               string `gorm:"primaryKey;size:64"`
	Username         string `gorm:"size:255;not null"`
	UsernameNorm     string `gorm:"size:255;not null;uniqueIndex:uq_users_username_norm"`
	Nickname         string `gorm:"size:255"`
	Email            string `gorm:"size:255"`
	AvatarURL        string
	Role             string `gorm:"size:32;not null;default:user"`
	PasswordHash     string `gorm:"not null"`
	Status           string `gorm:"size:16;not null;default:offline"`
	CreatedAt        time.Time
	LastLoginAt      *time.Time
	LastStatusChange *time.Time
}

func (gormUser) TableName() string { return "users" }

type gormFriendship struct {
	UserID    string `gorm:"primaryKey;size:64"`
	FriendID  string `gorm:"primaryKey;size:64;index"`
	CreatedAt time.Time
}

func (gormFriendship) TableName() string { return "friendships" }

func (r gormUser) user() User {
	u := User{
		ID:               r.ID,
		Username:         r.Username,
		Nickname:         r.Nickname,
		Email:            r.Email,
		AvatarURL:        r.AvatarURL,
		Role:             r.Role,
		PasswordHash:     r.PasswordHash,
		Status:           Status(r.Status),
		CreatedAt:        r.CreatedAt.UTC(),
		LastLoginAt:      utcPtr(r.LastLoginAt),
		LastStatusChange: utcPtr(r.LastStatusChange),
	}
	return u
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// GormGraph implements Graph and Importer on any gorm dialector; the server
// uses the same SQLite file as the message store.
type GormGraph struct {
	db *gorm.DB
}

var (
	_ Graph    = (*GormGraph)(nil)
	_ Importer = (*GormGraph)(nil)
)

// NewGormGraph migrates the users and friendships tables.
func NewGormGraph(ctx context.Context, db *gorm.DB) (*GormGraph, error) {
	if db == nil {
		return nil, errors.New("friends: nil gorm db")
	}
	if err := db.WithContext(ctx).AutoMigrate(&gormUser{}, &gormFriendship{}); err != nil {
		return nil, storageErr("friends.gorm.migrate", err)
	}
	return &GormGraph{db: db}, nil
}

func (g *GormGraph) find(ctx context.Context, op, where string, arg any) (User, error) {
	var row gormUser
	err := g.db.WithContext(ctx).Where(where, arg).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, notFound(op)
	}
	if err != nil {
		return User{}, storageErr(op, err)
	}
	u := row.user()
	var ids []string
	if err := g.db.WithContext(ctx).Model(&gormFriendship{}).
		Where("user_id = ?", u.ID).
		Order("friend_id").
		Pluck("friend_id", &ids).Error; err != nil {
		return User{}, storageErr(op, err)
	}
	if ids == nil {
		ids = []string{}
	}
	u.Friends = ids
	return u, nil
}

func (g *GormGraph) UserByID(ctx context.Context, id string) (User, error) {
	return g.find(ctx, "friends.user_by_id", "id = ?", id)
}

func (g *GormGraph) UserByUsername(ctx context.Context, username string) (User, error) {
	norm := NormalizeUsername(username)
	if norm == "" {
		return User{}, invalid("friends.user_by_username", "missing username")
	}
	return g.find(ctx, "friends.user_by_username", "username_norm = ?", norm)
}

func (g *GormGraph) IsFriend(ctx context.Context, userID, friendID string) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&gormFriendship{}).
		Where("user_id = ? AND friend_id = ?", userID, friendID).
		Count(&n).Error
	if err != nil {
		return false, storageErr("friends.is_friend", err)
	}
	return n > 0, nil
}

func (g *GormGraph) Friends(ctx context.Context, userID string) ([]User, error) {
	const op = "friends.friends"
	if _, err := g.find(ctx, op, "id = ?", userID); err != nil {
		return nil, err
	}
	var rows []gormUser
	err := g.db.WithContext(ctx).
		Joins("JOIN friendships ON friendships.friend_id = users.id").
		Where("friendships.user_id = ?", userID).
		Order("users.username_norm").
		Find(&rows).Error
	if err != nil {
		return nil, storageErr(op, err)
	}
	out := make([]User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.user())
	}
	return out, nil
}

func (g *GormGraph) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "friends.gorm.create_user"
	if err := validateCreate(op, &in); err != nil {
		return User{}, err
	}
	row := gormUser{
		ID:           in.ID,
		Username:     in.Username,
		UsernameNorm: NormalizeUsername(in.Username),
		Nickname:     in.Nickname,
		Email:        in.Email,
		Role:         "user",
		PasswordHash: in.PasswordHash,
		Status:       string(StatusOffline),
		CreatedAt:    in.Now.UTC(),
	}
	if row.Nickname == "" {
		row.Nickname = row.Username
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&gormUser{}).
			Where("username_norm = ? OR id = ?", row.UsernameNorm, row.ID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ConflictError{Op: op, Field: "username"}
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		var ce ConflictError
		if errors.As(err, &ce) {
			return User{}, ce
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, ConflictError{Op: op, Field: "username"}
		}
		return User{}, storageErr(op, err)
	}
	u := row.user()
	u.Friends = []string{}
	return u, nil
}

func (g *GormGraph) UpdateStatus(ctx context.Context, userID string, status Status, at time.Time) error {
	const op = "friends.gorm.update_status"
	if !validStatus(status) {
		return invalid(op, "unknown status")
	}
	t := at.UTC()
	return g.updateOne(ctx, op, userID, map[string]any{
		"status":             string(status),
		"last_status_change": &t,
	})
}

func (g *GormGraph) TouchLogin(ctx context.Context, userID string, at time.Time) error {
	t := at.UTC()
	return g.updateOne(ctx, "friends.gorm.touch_login", userID, map[string]any{
		"last_login_at":      &t,
		"status":             string(StatusOnline),
		"last_status_change": &t,
	})
}

func (g *GormGraph) updateOne(ctx context.Context, op, userID string, fields map[string]any) error {
	res := g.db.WithContext(ctx).Model(&gormUser{}).Where("id = ?", userID).Updates(fields)
	if res.Error != nil {
		return storageErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(op)
	}
	return nil
}

// ImportUsers seeds users and friendships in one transaction. It is a no-op
// when the users table already has rows.
func (g *GormGraph) ImportUsers(ctx context.Context, users []User) (ImportResult, error) {
	const op = "friends.gorm.import"
	var res ImportResult
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&gormUser{}).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			res.Skipped = true
			return nil
		}

		kept, links, dangling := importPlan(users)
		now := time.Now().UTC()

		rows := make([]gormUser, 0, len(kept))
		for _, u := range kept {
			created := u.CreatedAt
			if created.IsZero() {
				created = now
			}
			rows = append(rows, gormUser{
				ID:               u.ID,
				Username:         u.Username,
				UsernameNorm:     NormalizeUsername(u.Username),
				Nickname:         u.Nickname,
				Email:            u.Email,
				AvatarURL:        u.AvatarURL,
				Role:             u.Role,
				PasswordHash:     u.PasswordHash,
				Status:           string(u.Status),
				CreatedAt:        created,
				LastLoginAt:      u.LastLoginAt,
				LastStatusChange: u.LastStatusChange,
			})
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("insert users: %w", err)
			}
		}

		fr := make([]gormFriendship, 0, len(links))
		for _, l := range links {
			fr = append(fr, gormFriendship{UserID: l.userID, FriendID: l.friendID, CreatedAt: now})
		}
		if len(fr) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(fr, 500).Error; err != nil {
				return fmt.Errorf("insert friendships: %w", err)
			}
		}
		res = ImportResult{Users: len(rows), Friendships: len(fr), Dangling: dangling}
		return nil
	})
	if err != nil {
		return ImportResult{}, storageErr(op, err)
	}
	return res, nil
}
