package dualai

import (
	"context"
	"sync"
)

// GuestUserInfo is the placeholder shown for unauthenticated or unknown
// callers in reports.
var GuestUserInfo = UserInfo{DisplayName: "Guest", Email: ""}

// UserDirectory resolves an interaction's owning user id to display
// attributes for reports.
type UserDirectory interface {
	// Lookup returns the user's info and true, or (zero, false) when the
	// id is unknown.
	Lookup(ctx context.Context, userID int64) (UserInfo, bool)
}

// StaticUserDirectory is a map-backed UserDirectory.
type StaticUserDirectory struct {
	mu    sync.RWMutex
	users map[int64]UserInfo
}

// NewStaticUserDirectory creates a directory with the given users.
func NewStaticUserDirectory(users map[int64]UserInfo) *StaticUserDirectory {
	if users == nil {
		users = make(map[int64]UserInfo)
	}
	return &StaticUserDirectory{users: users}
}

// Lookup returns the info registered for userID.
func (d *StaticUserDirectory) Lookup(ctx context.Context, userID int64) (UserInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info, ok := d.users[userID]
	return info, ok
}
