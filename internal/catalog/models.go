package catalog

import "time"

// Roles granted by the catalog server to an authenticated user.
const (
	RoleAdmin     = "admin"
	RoleSettings  = "settings"
	RoleDownload  = "download"
	RoleUpload    = "upload"
	RoleStream    = "stream"
	RoleScrobble  = "scrobbling"
	RoleShare     = "share"
	RoleJukebox   = "jukebox"
	RolePodcast   = "podcast"
	RoleCoverArt  = "coverArt"
	RoleComment   = "comment"
	RolePlaylist  = "playlist"
	RoleVideoConv = "videoConversion"
)

// Entry is one playable item in the catalog.
type Entry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	Track       int    `json:"track"`
	Disc        int    `json:"discNumber"`
	DurationSec int    `json:"duration"`
	SizeBytes   int64  `json:"size"`
	Suffix      string `json:"suffix"`
	Starred     bool   `json:"starred"`
	Rating      int    `json:"userRating"`
	BookmarkMS  int64  `json:"bookmarkPosition"`
}

// Album is one album summary as returned by list endpoints.
type Album struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Artist  string    `json:"artist"`
	Created time.Time `json:"created"`
}

// AlbumList is a page of albums from a list endpoint.
type AlbumList struct {
	Albums []Album
}

// Identity describes the authenticated user on one server, including the
// role grants that gate local operations.
type Identity struct {
	Username string
	Email    string
	Roles    map[string]bool
}

// HasRole reports whether the identity carries a role grant.
func (i *Identity) HasRole(role string) bool {
	if i == nil || i.Roles == nil {
		return false
	}
	return i.Roles[role]
}

// UserUpdate carries the fields of a user create or update request.
type UserUpdate struct {
	Username string
	Email    string
	Password string
	Roles    map[string]bool
}
