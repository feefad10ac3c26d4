package identity

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/substream/substream-go/internal/catalog"
	apperrors "github.com/substream/substream-go/internal/errors"
	"github.com/substream/substream-go/internal/monitoring"
	"github.com/substream/substream-go/internal/store"
)

// verifyWindow is how long a successful credential check stays valid for
// sensitive operations.
const verifyWindow = time.Hour

const identityKey = "identity"

// Server holds the locally configured credentials for one server.
type Server struct {
	Username string
	// CredentialHash is the bcrypt hash the password is re-verified
	// against; the password itself is never persisted.
	CredentialHash string
}

// ServiceFactory returns the catalog client for a server index.
type ServiceFactory func(serverIdx int) catalog.Service

// CredentialProvider supplies the account password when a sensitive
// operation needs re-verification, typically by prompting the user.
type CredentialProvider func() (string, error)

// seedCall is one in-flight identity fetch. Waiters coalescing on it
// read err only after done is closed.
type seedCall struct {
	done chan struct{}
	err  error
}

// cachedIdentity is the persisted per-server identity record.
type cachedIdentity struct {
	Username string          `json:"username"`
	Email    string          `json:"email"`
	Roles    map[string]bool `json:"roles"`
	CachedAt time.Time       `json:"cached_at"`
}

// Manager caches the authenticated identity and role grants per server.
// Capability checks never block; fetches happen in the background through
// Seed and a failed fetch keeps whatever was cached before.
type Manager struct {
	db      *sql.DB
	factory ServiceFactory
	servers []Server
	logger  *zap.Logger

	mu           sync.Mutex
	active       int
	identities   map[int]*cachedIdentity
	inflight     map[int]*seedCall
	lastVerified time.Time
}

// NewManager creates the identity cache. Previously persisted identities
// are loaded lazily per server.
func NewManager(db *sql.DB, factory ServiceFactory, servers []Server, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:         db,
		factory:    factory,
		servers:    servers,
		logger:     logger,
		identities: make(map[int]*cachedIdentity),
		inflight:   make(map[int]*seedCall),
	}
}

// Seed fetches and caches the identity for a server. A second Seed for
// the same server while one is in flight waits for the first and shares
// its outcome instead of issuing a duplicate fetch. Without forceRefresh
// a cached identity is kept as is.
func (m *Manager) Seed(ctx context.Context, serverIdx int, forceRefresh bool) (err error) {
	if serverIdx < 0 || serverIdx >= len(m.servers) {
		return apperrors.NewValidationError(fmt.Sprintf("no server at index %d", serverIdx), nil)
	}

	m.mu.Lock()
	if !forceRefresh && m.cachedLocked(serverIdx) != nil {
		m.mu.Unlock()
		return nil
	}
	if call, ok := m.inflight[serverIdx]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &seedCall{done: make(chan struct{})}
	m.inflight[serverIdx] = call
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inflight, serverIdx)
		m.mu.Unlock()
		call.err = err
		close(call.done)
	}()

	fetched, err := m.factory(serverIdx).FetchUser(ctx, m.servers[serverIdx].Username)
	if err != nil {
		// The previous identity, if any, stays intact: a transient
		// fetch failure must not strip known capabilities.
		monitoring.IdentitySeedsTotal.WithLabelValues("failed").Inc()
		if apperrors.IsOffline(err) {
			m.logger.Debug("identity seed skipped, offline", zap.Int("server", serverIdx))
		} else {
			m.logger.Warn("identity seed failed",
				zap.Int("server", serverIdx),
				zap.Error(err))
		}
		return err
	}

	cached := &cachedIdentity{
		Username: fetched.Username,
		Email:    fetched.Email,
		Roles:    fetched.Roles,
		CachedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.identities[serverIdx] = cached
	m.mu.Unlock()

	if err := store.SaveRecord(m.db, serverIdx, identityKey, cached); err != nil {
		m.logger.Warn("failed to persist identity", zap.Error(err))
	}
	monitoring.IdentitySeedsTotal.WithLabelValues("ok").Inc()
	return nil
}

// cachedLocked returns the identity for a server, loading the persisted
// record on first access. Caller holds m.mu.
func (m *Manager) cachedLocked(serverIdx int) *cachedIdentity {
	if cached, ok := m.identities[serverIdx]; ok {
		return cached
	}
	var cached cachedIdentity
	found, err := store.LoadRecord(m.db, serverIdx, identityKey, &cached)
	if err != nil || !found {
		return nil
	}
	m.identities[serverIdx] = &cached
	return &cached
}

// Active returns the identity for the active server, or nil when none
// has been cached yet.
func (m *Manager) Active() *catalog.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached := m.cachedLocked(m.active)
	if cached == nil {
		return nil
	}
	return &catalog.Identity{
		Username: cached.Username,
		Email:    cached.Email,
		Roles:    cached.Roles,
	}
}

// HasCapability returns the cached grant for a role, or the caller's
// default when no identity is cached. It never blocks on a fetch.
func (m *Manager) HasCapability(role string, def bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached := m.cachedLocked(m.active)
	if cached == nil {
		return def
	}
	return cached.Roles[role]
}

// SetActiveServer switches the active identity pointer. Per-server cache
// entries persist for reuse; only the active selection changes, and the
// verification window resets since it belonged to the old server.
func (m *Manager) SetActiveServer(serverIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = serverIdx
	m.lastVerified = time.Time{}
}

// ActiveServer returns the active server index.
func (m *Manager) ActiveServer() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Logout clears the verification window and the active server's cached
// identity, forcing a fresh seed and re-verification.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastVerified = time.Time{}
	delete(m.identities, m.active)
	if err := store.DeleteRecord(m.db, m.active, identityKey); err != nil {
		m.logger.Warn("failed to clear persisted identity", zap.Error(err))
	}
}

// Verify gates sensitive operations. Inside the verification window it
// succeeds without consulting the provider; outside it the provided
// password is checked against the stored hash. A mismatch refuses the
// operation and nothing is retried.
func (m *Manager) Verify(provider CredentialProvider) error {
	m.mu.Lock()
	active := m.active
	if time.Since(m.lastVerified) < verifyWindow && !m.lastVerified.IsZero() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if active < 0 || active >= len(m.servers) {
		return apperrors.NewValidationError("no active server configured", nil)
	}

	password, err := provider()
	if err != nil {
		return apperrors.NewAuthRefusedError("credential entry aborted", err)
	}

	hash := m.servers[active].CredentialHash
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return apperrors.NewAuthRefusedError("password verification failed", err)
	}

	m.mu.Lock()
	m.lastVerified = time.Now()
	m.mu.Unlock()
	return nil
}

// HashCredential produces the bcrypt hash stored in the server config.
func HashCredential(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return string(hash), nil
}
