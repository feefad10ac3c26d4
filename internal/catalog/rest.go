package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/substream/substream-go/internal/errors"
	"github.com/substream/substream-go/internal/monitoring"
	"github.com/substream/substream-go/internal/network"
)

const (
	apiVersion = "1.16.1"
	clientName = "substream"
)

// Subsonic protocol error codes.
const (
	codeGeneric           = 0
	codeMissingParameter  = 10
	codeClientTooOld      = 20
	codeServerTooOld      = 30
	codeWrongCredentials  = 40
	codeTokenUnsupported  = 41
	codeNotAuthorized     = 50
	codeTrialExpired      = 60
	codeNotFound          = 70
)

// RestClient implements Service against a Subsonic-compatible REST API.
type RestClient struct {
	baseURL     string
	username    string
	password    string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewRestClient creates a catalog client for one server. Requests share
// the pooled default HTTP client and are rate limited per client.
func NewRestClient(baseURL, username, password string, requestsPerSecond int) *RestClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &RestClient{
		baseURL:     baseURL,
		username:    username,
		password:    password,
		httpClient:  network.GetDefaultClient(),
		rateLimiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// envelope is the standard response wrapper around every endpoint.
type envelope struct {
	Response struct {
		Status string `json:"status"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		AlbumList *struct {
			Album []Album `json:"album"`
		} `json:"albumList2"`
		User *restUser `json:"user"`
	} `json:"subsonic-response"`
}

type restUser struct {
	Username            string `json:"username"`
	Email               string `json:"email"`
	AdminRole           bool   `json:"adminRole"`
	SettingsRole        bool   `json:"settingsRole"`
	DownloadRole        bool   `json:"downloadRole"`
	UploadRole          bool   `json:"uploadRole"`
	StreamRole          bool   `json:"streamRole"`
	ScrobblingEnabled   bool   `json:"scrobblingEnabled"`
	ShareRole           bool   `json:"shareRole"`
	JukeboxRole         bool   `json:"jukeboxRole"`
	PodcastRole         bool   `json:"podcastRole"`
	CoverArtRole        bool   `json:"coverArtRole"`
	CommentRole         bool   `json:"commentRole"`
	PlaylistRole        bool   `json:"playlistRole"`
	VideoConversionRole bool   `json:"videoConversionRole"`
}

func (u *restUser) toIdentity() *Identity {
	return &Identity{
		Username: u.Username,
		Email:    u.Email,
		Roles: map[string]bool{
			RoleAdmin:     u.AdminRole,
			RoleSettings:  u.SettingsRole,
			RoleDownload:  u.DownloadRole,
			RoleUpload:    u.UploadRole,
			RoleStream:    u.StreamRole,
			RoleScrobble:  u.ScrobblingEnabled,
			RoleShare:     u.ShareRole,
			RoleJukebox:   u.JukeboxRole,
			RolePodcast:   u.PodcastRole,
			RoleCoverArt:  u.CoverArtRole,
			RoleComment:   u.CommentRole,
			RolePlaylist:  u.PlaylistRole,
			RoleVideoConv: u.VideoConversionRole,
		},
	}
}

// request performs one API call and decodes the response envelope.
func (c *RestClient) request(ctx context.Context, method string, params url.Values) (*envelope, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(method, params), nil)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("failed to build %s request", method), err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		monitoring.RecordCatalogRequest(method, "offline")
		return nil, apperrors.NewOfflineError("server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Older servers respond 404 for endpoints they predate
		monitoring.RecordCatalogRequest(method, "server_too_old")
		return nil, apperrors.NewServerTooOldError(fmt.Sprintf("server does not support %s", method), nil)
	}
	if resp.StatusCode != http.StatusOK {
		monitoring.RecordCatalogRequest(method, "error")
		return nil, apperrors.NewTransientIOError(fmt.Sprintf("%s failed with status %d", method, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		monitoring.RecordCatalogRequest(method, "error")
		return nil, apperrors.NewTransientIOError("failed to read response", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		monitoring.RecordCatalogRequest(method, "error")
		return nil, apperrors.NewTransientIOError(fmt.Sprintf("failed to decode %s response", method), err)
	}

	if env.Response.Status != "ok" {
		monitoring.RecordCatalogRequest(method, "failed")
		return nil, c.mapError(method, &env)
	}

	monitoring.RecordCatalogRequest(method, "ok")
	return &env, nil
}

// mapError converts a protocol-level failure into the error taxonomy.
func (c *RestClient) mapError(method string, env *envelope) error {
	if env.Response.Error == nil {
		return apperrors.NewTransientIOError(fmt.Sprintf("%s failed without error detail", method), nil)
	}

	code := env.Response.Error.Code
	message := env.Response.Error.Message
	if message == "" {
		message = fmt.Sprintf("%s failed with code %d", method, code)
	}

	switch code {
	case codeServerTooOld, codeClientTooOld:
		return apperrors.NewServerTooOldError(message, nil)
	case codeWrongCredentials, codeTokenUnsupported, codeNotAuthorized:
		return apperrors.NewAuthRefusedError(message, nil)
	case codeNotFound:
		return apperrors.NewNotFoundError(message, nil)
	case codeMissingParameter:
		return apperrors.NewValidationError(message, nil)
	default:
		return apperrors.NewTransientIOError(message, nil)
	}
}

func (c *RestClient) endpoint(method string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("u", c.username)
	params.Set("p", c.password)
	params.Set("v", apiVersion)
	params.Set("c", clientName)
	params.Set("f", "json")
	return fmt.Sprintf("%s/rest/%s.view?%s", c.baseURL, method, params.Encode())
}

// FetchAlbumList returns a page of albums in the given ordering.
func (c *RestClient) FetchAlbumList(ctx context.Context, listType string, size, offset int) (*AlbumList, error) {
	params := url.Values{}
	params.Set("type", listType)
	params.Set("size", strconv.Itoa(size))
	params.Set("offset", strconv.Itoa(offset))

	env, err := c.request(ctx, "getAlbumList2", params)
	if err != nil {
		return nil, err
	}

	list := &AlbumList{}
	if env.Response.AlbumList != nil {
		list.Albums = env.Response.AlbumList.Album
	}
	return list, nil
}

// FetchUser returns the identity and role grants for a username.
func (c *RestClient) FetchUser(ctx context.Context, username string) (*Identity, error) {
	params := url.Values{}
	params.Set("username", username)

	env, err := c.request(ctx, "getUser", params)
	if err != nil {
		return nil, err
	}
	if env.Response.User == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("user %s not found", username), nil)
	}
	return env.Response.User.toIdentity(), nil
}

// SubmitScrobble reports a playback with its original timestamp, so plays
// recorded offline keep their real time when replayed later.
func (c *RestClient) SubmitScrobble(ctx context.Context, entryID string, submission bool, at time.Time) error {
	params := url.Values{}
	params.Set("id", entryID)
	params.Set("submission", strconv.FormatBool(submission))
	params.Set("time", strconv.FormatInt(at.UnixMilli(), 10))

	_, err := c.request(ctx, "scrobble", params)
	return err
}

// SubmitStar stars or unstars an entry.
func (c *RestClient) SubmitStar(ctx context.Context, entryID string, star bool) error {
	params := url.Values{}
	params.Set("id", entryID)

	method := "star"
	if !star {
		method = "unstar"
	}
	_, err := c.request(ctx, method, params)
	return err
}

// ChangePassword sets a new password for a user.
func (c *RestClient) ChangePassword(ctx context.Context, username, password string) error {
	params := url.Values{}
	params.Set("username", username)
	params.Set("password", password)

	_, err := c.request(ctx, "changePassword", params)
	return err
}

// ChangeEmail sets a new email address for a user.
func (c *RestClient) ChangeEmail(ctx context.Context, username, email string) error {
	params := url.Values{}
	params.Set("username", username)
	params.Set("email", email)

	_, err := c.request(ctx, "updateUser", params)
	return err
}

// CreateUser creates a user with the given role grants.
func (c *RestClient) CreateUser(ctx context.Context, user *UserUpdate) error {
	params := url.Values{}
	params.Set("username", user.Username)
	params.Set("email", user.Email)
	params.Set("password", user.Password)
	applyRoles(params, user.Roles)

	_, err := c.request(ctx, "createUser", params)
	return err
}

// UpdateUser updates an existing user's role grants.
func (c *RestClient) UpdateUser(ctx context.Context, user *UserUpdate) error {
	params := url.Values{}
	params.Set("username", user.Username)
	if user.Email != "" {
		params.Set("email", user.Email)
	}
	applyRoles(params, user.Roles)

	_, err := c.request(ctx, "updateUser", params)
	return err
}

// DeleteUser removes a user.
func (c *RestClient) DeleteUser(ctx context.Context, username string) error {
	params := url.Values{}
	params.Set("username", username)

	_, err := c.request(ctx, "deleteUser", params)
	return err
}

// StartRescan asks the server to rescan its media folders.
func (c *RestClient) StartRescan(ctx context.Context) error {
	_, err := c.request(ctx, "startScan", nil)
	return err
}

// StreamURL returns the media URL for an entry without blocking.
func (c *RestClient) StreamURL(entryID string) string {
	params := url.Values{}
	params.Set("id", entryID)
	return c.endpoint("stream", params)
}

// roleParams maps role names to their request parameter names.
var roleParams = map[string]string{
	RoleAdmin:     "adminRole",
	RoleSettings:  "settingsRole",
	RoleDownload:  "downloadRole",
	RoleUpload:    "uploadRole",
	RoleStream:    "streamRole",
	RoleShare:     "shareRole",
	RoleJukebox:   "jukeboxRole",
	RolePodcast:   "podcastRole",
	RoleCoverArt:  "coverArtRole",
	RoleComment:   "commentRole",
	RolePlaylist:  "playlistRole",
	RoleVideoConv: "videoConversionRole",
}

func applyRoles(params url.Values, roles map[string]bool) {
	for role, param := range roleParams {
		if granted, ok := roles[role]; ok {
			params.Set(param, strconv.FormatBool(granted))
		}
	}
}
