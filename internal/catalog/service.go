package catalog

import (
	"context"
	"time"
)

// Album list orderings understood by FetchAlbumList.
const (
	ListNewest   = "newest"
	ListRecent   = "recent"
	ListFrequent = "frequent"
	ListRandom   = "random"
)

// Service is the typed contract against the remote catalog. The engine
// never parses server responses outside the implementation of this
// interface; everything above it works with these types and the error
// taxonomy only.
type Service interface {
	// FetchAlbumList returns a page of albums in the given ordering.
	FetchAlbumList(ctx context.Context, listType string, size, offset int) (*AlbumList, error)

	// FetchUser returns the identity and role grants for a username.
	FetchUser(ctx context.Context, username string) (*Identity, error)

	// SubmitScrobble reports a playback. submission false marks a
	// now-playing notification instead of a completed play.
	SubmitScrobble(ctx context.Context, entryID string, submission bool, at time.Time) error

	// SubmitStar stars or unstars an entry.
	SubmitStar(ctx context.Context, entryID string, star bool) error

	// ChangePassword sets a new password for a user.
	ChangePassword(ctx context.Context, username, password string) error

	// ChangeEmail sets a new email address for a user.
	ChangeEmail(ctx context.Context, username, email string) error

	// CreateUser creates a user with the given role grants.
	CreateUser(ctx context.Context, user *UserUpdate) error

	// UpdateUser updates an existing user's role grants.
	UpdateUser(ctx context.Context, user *UserUpdate) error

	// DeleteUser removes a user.
	DeleteUser(ctx context.Context, username string) error

	// StartRescan asks the server to rescan its media folders.
	StartRescan(ctx context.Context) error

	// StreamURL returns the media URL for an entry. It never blocks.
	StreamURL(entryID string) string
}
