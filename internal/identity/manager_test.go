package identity

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/substream/substream-go/internal/catalog"
	apperrors "github.com/substream/substream-go/internal/errors"
	"github.com/substream/substream-go/internal/store"
)

type fakeCatalog struct {
	mu         sync.Mutex
	user       *catalog.Identity
	fetchErr   error
	fetchCount atomic.Int32
	fetchGate  chan struct{}
	deleted    []string
	passwords  map[string]string
}

func (f *fakeCatalog) FetchUser(ctx context.Context, username string) (*catalog.Identity, error) {
	f.fetchCount.Add(1)
	if f.fetchGate != nil {
		<-f.fetchGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.user, nil
}

func (f *fakeCatalog) FetchAlbumList(ctx context.Context, listType string, size, offset int) (*catalog.AlbumList, error) {
	return &catalog.AlbumList{}, nil
}
func (f *fakeCatalog) SubmitScrobble(ctx context.Context, entryID string, submission bool, at time.Time) error {
	return nil
}
func (f *fakeCatalog) SubmitStar(ctx context.Context, entryID string, star bool) error { return nil }
func (f *fakeCatalog) ChangePassword(ctx context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.passwords == nil {
		f.passwords = map[string]string{}
	}
	f.passwords[username] = password
	return nil
}
func (f *fakeCatalog) ChangeEmail(ctx context.Context, username, email string) error  { return nil }
func (f *fakeCatalog) CreateUser(ctx context.Context, user *catalog.UserUpdate) error { return nil }
func (f *fakeCatalog) UpdateUser(ctx context.Context, user *catalog.UserUpdate) error { return nil }
func (f *fakeCatalog) DeleteUser(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, username)
	return nil
}
func (f *fakeCatalog) StartRescan(ctx context.Context) error { return nil }
func (f *fakeCatalog) StreamURL(entryID string) string       { return "" }

func testHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(hash)
}

func setupManager(t *testing.T, remote *fakeCatalog) (*Manager, *sql.DB) {
	t.Helper()
	db, err := store.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	servers := []Server{
		{Username: "alice", CredentialHash: testHash(t, "correct-horse")},
		{Username: "bob", CredentialHash: testHash(t, "other-pass")},
	}
	factory := func(serverIdx int) catalog.Service { return remote }
	return NewManager(db, factory, servers, nil), db
}

func passwordProvider(password string) CredentialProvider {
	return func() (string, error) { return password, nil }
}

func TestHasCapability_DefaultBeforeSeed(t *testing.T) {
	m, _ := setupManager(t, &fakeCatalog{})

	if !m.HasCapability(catalog.RoleAdmin, true) {
		t.Error("Expected caller default true before any seed")
	}
	if m.HasCapability(catalog.RoleAdmin, false) {
		t.Error("Expected caller default false before any seed")
	}
}

func TestSeed_CachesAndPersists(t *testing.T) {
	remote := &fakeCatalog{user: &catalog.Identity{
		Username: "alice",
		Roles:    map[string]bool{catalog.RoleAdmin: true, catalog.RolePodcast: false},
	}}
	m, db := setupManager(t, remote)

	if err := m.Seed(context.Background(), 0, false); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if !m.HasCapability(catalog.RoleAdmin, false) {
		t.Error("Expected admin capability after seed")
	}
	if m.HasCapability(catalog.RolePodcast, true) {
		t.Error("Expected cached false to win over caller default")
	}

	// A fresh manager over the same store sees the persisted identity
	m2 := NewManager(db, func(int) catalog.Service { return remote }, []Server{{Username: "alice"}}, nil)
	if !m2.HasCapability(catalog.RoleAdmin, false) {
		t.Error("Expected persisted identity after restart")
	}

	// Without forceRefresh a cached identity short-circuits the fetch
	before := remote.fetchCount.Load()
	if err := m.Seed(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}
	if remote.fetchCount.Load() != before {
		t.Error("Expected cached seed to skip the fetch")
	}
}

func TestSeed_FailureKeepsPreviousIdentity(t *testing.T) {
	remote := &fakeCatalog{user: &catalog.Identity{
		Username: "alice",
		Roles:    map[string]bool{catalog.RoleAdmin: true},
	}}
	m, _ := setupManager(t, remote)

	if err := m.Seed(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}

	remote.mu.Lock()
	remote.fetchErr = apperrors.NewOfflineError("unreachable", nil)
	remote.mu.Unlock()

	if err := m.Seed(context.Background(), 0, true); err == nil {
		t.Fatal("Expected forced seed to fail")
	}
	if !m.HasCapability(catalog.RoleAdmin, false) {
		t.Error("A failed seed must not strip previously known capabilities")
	}
}

func TestSeed_ConcurrentCallsCoalesce(t *testing.T) {
	remote := &fakeCatalog{
		user:      &catalog.Identity{Username: "alice", Roles: map[string]bool{}},
		fetchGate: make(chan struct{}),
	}
	m, _ := setupManager(t, remote)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Seed(context.Background(), 0, true)
		}()
	}

	// Let all goroutines reach the manager before releasing the fetch
	time.Sleep(50 * time.Millisecond)
	close(remote.fetchGate)
	wg.Wait()

	if got := remote.fetchCount.Load(); got != 1 {
		t.Errorf("Expected exactly 1 fetch for 5 concurrent seeds, got %d", got)
	}
}

func TestSeed_CoalescedWaitersShareFailure(t *testing.T) {
	remote := &fakeCatalog{
		fetchErr:  apperrors.NewTransientIOError("user endpoint unavailable", nil),
		fetchGate: make(chan struct{}),
	}
	m, _ := setupManager(t, remote)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Seed(context.Background(), 0, true)
		}(i)
	}

	// Let all goroutines reach the manager before releasing the fetch
	time.Sleep(50 * time.Millisecond)
	close(remote.fetchGate)
	wg.Wait()

	if got := remote.fetchCount.Load(); got != 1 {
		t.Fatalf("Expected exactly 1 fetch for 5 concurrent seeds, got %d", got)
	}
	for i, err := range errs {
		if err == nil {
			t.Errorf("Seed %d: expected the shared fetch failure, got nil", i)
		}
	}
}

func TestVerify_WindowAndRefusal(t *testing.T) {
	m, _ := setupManager(t, &fakeCatalog{})

	if err := m.Verify(passwordProvider("wrong")); !apperrors.IsAuthRefused(err) {
		t.Errorf("Expected auth refused for wrong password, got %v", err)
	}

	if err := m.Verify(passwordProvider("correct-horse")); err != nil {
		t.Fatalf("Verify failed with correct password: %v", err)
	}

	// Inside the window the provider is not consulted at all
	called := false
	err := m.Verify(func() (string, error) {
		called = true
		return "", errors.New("should not be called")
	})
	if err != nil {
		t.Errorf("Expected verify to pass inside window, got %v", err)
	}
	if called {
		t.Error("Provider must not be consulted inside the verification window")
	}

	// Logout closes the window
	m.Logout()
	if err := m.Verify(passwordProvider("wrong")); !apperrors.IsAuthRefused(err) {
		t.Error("Expected re-verification after logout")
	}
}

func TestSetActiveServer_KeepsPerServerCache(t *testing.T) {
	remote := &fakeCatalog{user: &catalog.Identity{
		Username: "alice",
		Roles:    map[string]bool{catalog.RoleAdmin: true},
	}}
	m, _ := setupManager(t, remote)

	if err := m.Seed(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}

	m.SetActiveServer(1)
	if m.HasCapability(catalog.RoleAdmin, false) {
		t.Error("Expected no identity for the new active server")
	}

	// Switching back finds the old server's cache entry intact
	m.SetActiveServer(0)
	if !m.HasCapability(catalog.RoleAdmin, false) {
		t.Error("Per-server cache entries must persist across switches")
	}
}

func TestAdminOps_GatedByVerify(t *testing.T) {
	remote := &fakeCatalog{}
	m, _ := setupManager(t, remote)

	err := m.DeleteUser(context.Background(), passwordProvider("wrong"), "mallory")
	if !apperrors.IsAuthRefused(err) {
		t.Errorf("Expected refused delete, got %v", err)
	}
	if len(remote.deleted) != 0 {
		t.Error("Refused operation must never reach the catalog")
	}

	err = m.DeleteUser(context.Background(), passwordProvider("correct-horse"), "mallory")
	if err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if len(remote.deleted) != 1 || remote.deleted[0] != "mallory" {
		t.Errorf("Expected delete to reach catalog, got %v", remote.deleted)
	}

	if err := m.ChangePassword(context.Background(), passwordProvider("unused"), "alice", "new-pw"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if remote.passwords["alice"] != "new-pw" {
		t.Error("Expected password change to reach catalog")
	}
}
