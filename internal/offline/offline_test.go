package offline

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/substream/substream-go/internal/catalog"
	"github.com/substream/substream-go/internal/store"
)

type fakeService struct {
	scrobbleErr map[string]error
	starErr     map[string]error
	scrobbles   []string
	stars       []string
	unstars     []string
}

func (f *fakeService) FetchAlbumList(ctx context.Context, listType string, size, offset int) (*catalog.AlbumList, error) {
	return &catalog.AlbumList{}, nil
}
func (f *fakeService) FetchUser(ctx context.Context, username string) (*catalog.Identity, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeService) SubmitScrobble(ctx context.Context, entryID string, submission bool, at time.Time) error {
	if err := f.scrobbleErr[entryID]; err != nil {
		return err
	}
	f.scrobbles = append(f.scrobbles, entryID)
	return nil
}
func (f *fakeService) SubmitStar(ctx context.Context, entryID string, star bool) error {
	if err := f.starErr[entryID]; err != nil {
		return err
	}
	if star {
		f.stars = append(f.stars, entryID)
	} else {
		f.unstars = append(f.unstars, entryID)
	}
	return nil
}
func (f *fakeService) ChangePassword(ctx context.Context, username, password string) error { return nil }
func (f *fakeService) ChangeEmail(ctx context.Context, username, email string) error       { return nil }
func (f *fakeService) CreateUser(ctx context.Context, user *catalog.UserUpdate) error      { return nil }
func (f *fakeService) UpdateUser(ctx context.Context, user *catalog.UserUpdate) error      { return nil }
func (f *fakeService) DeleteUser(ctx context.Context, username string) error               { return nil }
func (f *fakeService) StartRescan(ctx context.Context) error                               { return nil }
func (f *fakeService) StreamURL(entryID string) string                                     { return "" }

func setup(t *testing.T) (*sql.DB, *Log, *fakeService, *Coordinator) {
	t.Helper()
	db, err := store.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := NewLog(db, 0, nil)
	service := &fakeService{scrobbleErr: map[string]error{}, starErr: map[string]error{}}
	coord := NewCoordinator(db, 0, service, log, nil)
	return db, log, service, coord
}

func TestLog_Counts(t *testing.T) {
	_, log, _, _ := setup(t)

	// Offline session: 3 plays, 2 rating changes
	log.RecordScrobble("s1")
	log.RecordScrobble("s2")
	log.RecordScrobble("s3")
	log.RecordStar("t1", true)
	log.RecordStar("t2", false)

	scrobbles, stars, err := log.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if scrobbles != 3 || stars != 2 {
		t.Errorf("Expected (3, 2), got (%d, %d)", scrobbles, stars)
	}
}

func TestSync_FullSuccessClearsLog(t *testing.T) {
	_, log, service, coord := setup(t)

	log.RecordScrobble("s1")
	log.RecordStar("t1", true)
	log.RecordStar("t2", false)

	succeeded, total, err := coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if succeeded != 3 || total != 3 {
		t.Errorf("Expected (3, 3), got (%d, %d)", succeeded, total)
	}

	scrobbles, stars, _ := log.Counts()
	if scrobbles != 0 || stars != 0 {
		t.Errorf("Expected empty log after full sync, got (%d, %d)", scrobbles, stars)
	}
	if len(service.unstars) != 1 || service.unstars[0] != "t2" {
		t.Errorf("Expected unstar replayed for t2, got %v", service.unstars)
	}
}

func TestSync_PartialLeavesRemainder(t *testing.T) {
	_, log, service, coord := setup(t)

	log.RecordScrobble("s1")
	log.RecordScrobble("s2")
	log.RecordScrobble("s3")
	log.RecordStar("t1", true)
	log.RecordStar("t2", true)

	// Server rejects one scrobble
	service.scrobbleErr["s2"] = errors.New("rejected")

	succeeded, total, err := coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if succeeded != 4 || total != 5 {
		t.Errorf("Expected (4, 5), got (%d, %d)", succeeded, total)
	}

	// Exactly the unresolved action stays; no automatic retry happens
	scrobbles, stars, _ := log.Counts()
	if scrobbles != 1 || stars != 0 {
		t.Errorf("Expected (1, 0) pending, got (%d, %d)", scrobbles, stars)
	}

	// A later manual pass picks up only the remainder
	delete(service.scrobbleErr, "s2")
	succeeded, total, err = coord.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if succeeded != 1 || total != 1 {
		t.Errorf("Expected (1, 1) on second pass, got (%d, %d)", succeeded, total)
	}
}

func TestSync_PreservesOriginalTimestamp(t *testing.T) {
	db, log, _, _ := setup(t)

	log.RecordScrobble("s1")
	actions, err := store.ListActions(db, 0)
	if err != nil || len(actions) != 1 {
		t.Fatalf("Expected one recorded action, got %d (%v)", len(actions), err)
	}

	var got time.Time
	service := &fakeService{scrobbleErr: map[string]error{}, starErr: map[string]error{}}
	coord := NewCoordinator(db, 0, timestampCapture{service, &got}, log, nil)

	if _, _, err := coord.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !got.Equal(actions[0].CreatedAt) {
		t.Errorf("Expected replay with recorded time %v, got %v", actions[0].CreatedAt, got)
	}
}

type timestampCapture struct {
	*fakeService
	at *time.Time
}

func (c timestampCapture) SubmitScrobble(ctx context.Context, entryID string, submission bool, at time.Time) error {
	*c.at = at
	return c.fakeService.SubmitScrobble(ctx, entryID, submission, at)
}

func TestPolicy_DefaultIsAsk(t *testing.T) {
	_, _, _, coord := setup(t)
	if coord.Policy() != PolicyAsk {
		t.Errorf("Expected default policy ask, got %s", coord.Policy())
	}
}

func TestOnOnline_PolicyPaths(t *testing.T) {
	_, log, _, coord := setup(t)
	log.RecordScrobble("s1")

	// Ask: nothing happens, caller must prompt
	_, _, prompted, err := coord.OnOnline(context.Background())
	if err != nil || !prompted {
		t.Fatalf("Expected prompt under ask policy, got prompted=%v err=%v", prompted, err)
	}
	if scrobbles, _, _ := log.Counts(); scrobbles != 1 {
		t.Error("Ask policy must leave the backlog untouched")
	}

	// Sync: backlog replays
	if err := coord.SetPolicy(PolicySync); err != nil {
		t.Fatal(err)
	}
	succeeded, total, prompted, err := coord.OnOnline(context.Background())
	if err != nil || prompted {
		t.Fatalf("Unexpected prompt or error: %v %v", prompted, err)
	}
	if succeeded != 1 || total != 1 {
		t.Errorf("Expected (1, 1), got (%d, %d)", succeeded, total)
	}

	// Discard: backlog dropped without replay
	log.RecordScrobble("s2")
	if err := coord.SetPolicy(PolicyDiscard); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := coord.OnOnline(context.Background()); err != nil {
		t.Fatal(err)
	}
	if scrobbles, _, _ := log.Counts(); scrobbles != 0 {
		t.Error("Discard policy must clear the backlog")
	}
}
