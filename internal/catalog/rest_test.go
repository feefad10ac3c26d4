package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "github.com/substream/substream-go/internal/errors"
)

func okBody(payload string) string {
	if payload != "" {
		payload = "," + payload
	}
	return fmt.Sprintf(`{"subsonic-response":{"status":"ok"%s}}`, payload)
}

func failBody(code int, message string) string {
	return fmt.Sprintf(
		`{"subsonic-response":{"status":"failed","error":{"code":%d,"message":%q}}}`,
		code, message,
	)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*RestClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewRestClient(server.URL, "alice", "secret", 100)
	client.httpClient = server.Client()
	return client, server
}

func TestFetchAlbumList(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "getAlbumList2") {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("type") != ListNewest {
			t.Errorf("Expected newest ordering, got %s", r.URL.Query().Get("type"))
		}
		fmt.Fprint(w, okBody(`"albumList2":{"album":[
			{"id":"al-1","name":"First","artist":"A"},
			{"id":"al-2","name":"Second","artist":"B"}
		]}`))
	})

	list, err := client.FetchAlbumList(context.Background(), ListNewest, 20, 0)
	if err != nil {
		t.Fatalf("FetchAlbumList failed: %v", err)
	}
	if len(list.Albums) != 2 || list.Albums[0].ID != "al-1" {
		t.Errorf("Unexpected album list: %+v", list.Albums)
	}
}

func TestFetchAlbumList_Empty(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okBody(`"albumList2":{}`))
	})

	list, err := client.FetchAlbumList(context.Background(), ListNewest, 20, 0)
	if err != nil {
		t.Fatalf("FetchAlbumList failed: %v", err)
	}
	if len(list.Albums) != 0 {
		t.Errorf("Expected empty list, got %+v", list.Albums)
	}
}

func TestFetchUser_Roles(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okBody(`"user":{
			"username":"alice","email":"alice@example.com",
			"adminRole":true,"downloadRole":true,"scrobblingEnabled":false
		}`))
	})

	identity, err := client.FetchUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FetchUser failed: %v", err)
	}
	if !identity.HasRole(RoleAdmin) || !identity.HasRole(RoleDownload) {
		t.Error("Expected admin and download roles")
	}
	if identity.HasRole(RoleScrobble) {
		t.Error("Expected scrobbling to be disabled")
	}
	if identity.Email != "alice@example.com" {
		t.Errorf("Unexpected email: %s", identity.Email)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantType apperrors.ErrorType
	}{
		{"server too old", 30, apperrors.ErrTypeServerTooOld},
		{"wrong credentials", 40, apperrors.ErrTypeAuthRefused},
		{"not authorized", 50, apperrors.ErrTypeAuthRefused},
		{"not found", 70, apperrors.ErrTypeNotFound},
		{"generic", 0, apperrors.ErrTypeTransientIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, failBody(tt.code, tt.name))
			})

			err := client.StartRescan(context.Background())
			if apperrors.GetErrorType(err) != tt.wantType {
				t.Errorf("Code %d: expected %s, got %v", tt.code, tt.wantType, err)
			}
		})
	}
}

func TestUnreachableServerIsOffline(t *testing.T) {
	client := NewRestClient("http://127.0.0.1:1", "alice", "secret", 100)

	_, err := client.FetchUser(context.Background(), "alice")
	if !apperrors.IsOffline(err) {
		t.Errorf("Expected offline error for unreachable server, got %v", err)
	}
}

func TestMissingEndpointIsServerTooOld(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := client.StartRescan(context.Background())
	if !apperrors.IsServerTooOld(err) {
		t.Errorf("Expected server-too-old for 404, got %v", err)
	}
}

func TestSubmitScrobble_SendsTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 15, 8, 30, 0, 0, time.UTC)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("id") != "song-7" || q.Get("submission") != "true" {
			t.Errorf("Unexpected scrobble params: %v", q)
		}
		if q.Get("time") != fmt.Sprint(at.UnixMilli()) {
			t.Errorf("Expected original timestamp, got %s", q.Get("time"))
		}
		fmt.Fprint(w, okBody(""))
	})

	if err := client.SubmitScrobble(context.Background(), "song-7", true, at); err != nil {
		t.Fatalf("SubmitScrobble failed: %v", err)
	}
}

func TestSubmitStar_MethodSelection(t *testing.T) {
	var method string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.URL.Path
		fmt.Fprint(w, okBody(""))
	})

	if err := client.SubmitStar(context.Background(), "song-1", true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(method, "/star.view") {
		t.Errorf("Expected star endpoint, got %s", method)
	}

	if err := client.SubmitStar(context.Background(), "song-1", false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(method, "/unstar.view") {
		t.Errorf("Expected unstar endpoint, got %s", method)
	}
}

func TestCreateUser_RoleParams(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("adminRole") != "true" || q.Get("downloadRole") != "false" {
			t.Errorf("Unexpected role params: %v", q)
		}
		fmt.Fprint(w, okBody(""))
	})

	err := client.CreateUser(context.Background(), &UserUpdate{
		Username: "bob",
		Email:    "bob@example.com",
		Password: "pw",
		Roles:    map[string]bool{RoleAdmin: true, RoleDownload: false},
	})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
}

func TestStreamURL(t *testing.T) {
	client := NewRestClient("http://music.local", "alice", "secret", 100)

	u := client.StreamURL("song-42")
	if !strings.Contains(u, "/rest/stream.view") || !strings.Contains(u, "id=song-42") {
		t.Errorf("Unexpected stream URL: %s", u)
	}
}
