package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/records"
	"github.com/MarcoPoloResearchLab/cardiosync/internal/store"
)

const defaultCurrentUserID = 1

var profileColumns = map[string]struct{}{
	"full_name":          {},
	"age":                {},
	"gender":             {},
	"height":             {},
	"weight":             {},
	"medical_conditions": {},
	"medications":        {},
}

// Users stores user profiles.
type Users struct {
	*Base[*records.User]
	currentID int64
}

// NewUsers constructs the users repository. currentUserID names the profile
// CurrentUser returns; zero selects id 1.
func NewUsers(cfg Config, currentUserID int64) (*Users, error) {
	base, err := NewBase[*records.User](cfg, records.UsersTable)
	if err != nil {
		return nil, err
	}
	if currentUserID <= 0 {
		currentUserID = defaultCurrentUserID
	}
	return &Users{Base: base, currentID: currentUserID}, nil
}

// CreateUser stores a new profile. Username and email are required.
func (u *Users) CreateUser(ctx context.Context, user *records.User) (*records.User, error) {
	user.Username = strings.TrimSpace(user.Username)
	user.Email = strings.TrimSpace(user.Email)
	if user.Username == "" {
		return nil, validationError("username", "is required")
	}
	if user.Email == "" {
		return nil, validationError("email", "is required")
	}
	return u.Create(ctx, user, 0)
}

// FindByUsername returns the profile with the given username.
func (u *Users) FindByUsername(ctx context.Context, username string) (*records.User, error) {
	return u.findOne(ctx, "username", strings.TrimSpace(username))
}

// FindByEmail returns the profile with the given email.
func (u *Users) FindByEmail(ctx context.Context, email string) (*records.User, error) {
	return u.findOne(ctx, "email", strings.TrimSpace(email))
}

// UpdateProfile applies profile changes. Columns outside the profile
// allow-list are ignored.
func (u *Users) UpdateProfile(ctx context.Context, id int64, changes map[string]any) (*records.User, error) {
	allowed := make(map[string]any, len(changes))
	for column, value := range changes {
		if _, ok := profileColumns[column]; ok {
			allowed[column] = value
		}
	}
	if len(allowed) == 0 {
		return nil, validationError("profile", "has no updatable fields")
	}
	return u.Update(ctx, id, allowed)
}

// CurrentUser returns the profile of the person using the device.
func (u *Users) CurrentUser(ctx context.Context) (*records.User, error) {
	return u.FindByID(ctx, u.currentID)
}

// CurrentID returns the configured current user id.
func (u *Users) CurrentID() int64 {
	return u.currentID
}

func (u *Users) findOne(ctx context.Context, column, value string) (*records.User, error) {
	if value == "" {
		return nil, validationError(column, "is required")
	}
	users, err := u.FindAll(ctx, store.Query{
		Conditions: map[string]any{column: value},
		Limit:      1,
	}, false)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: users %s=%s", store.ErrNotFound, column, value)
	}
	return users[0], nil
}
