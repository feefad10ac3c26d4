package identity

import (
	"context"

	"go.uber.org/zap"

	"github.com/substream/substream-go/internal/catalog"
	"github.com/substream/substream-go/internal/store"
)

// Administrative user operations. Each one re-verifies the account
// credential first and is refused outright when verification fails.

// ChangePassword sets a new password for a user on the active server.
func (m *Manager) ChangePassword(ctx context.Context, provider CredentialProvider, username, newPassword string) error {
	if err := m.Verify(provider); err != nil {
		return err
	}
	return m.activeService().ChangePassword(ctx, username, newPassword)
}

// ChangeEmail sets a new email address for a user on the active server.
// When the user is the cached identity, the cache is updated in place.
func (m *Manager) ChangeEmail(ctx context.Context, provider CredentialProvider, username, email string) error {
	if err := m.Verify(provider); err != nil {
		return err
	}
	if err := m.activeService().ChangeEmail(ctx, username, email); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cached := m.cachedLocked(m.active)
	if cached != nil && cached.Username == username {
		cached.Email = email
		if err := store.SaveRecord(m.db, m.active, identityKey, cached); err != nil {
			m.logger.Warn("failed to persist updated identity", zap.Error(err))
		}
	}
	return nil
}

// CreateUser creates a user on the active server.
func (m *Manager) CreateUser(ctx context.Context, provider CredentialProvider, user *catalog.UserUpdate) error {
	if err := m.Verify(provider); err != nil {
		return err
	}
	return m.activeService().CreateUser(ctx, user)
}

// UpdateUser updates a user's role grants on the active server.
func (m *Manager) UpdateUser(ctx context.Context, provider CredentialProvider, user *catalog.UserUpdate) error {
	if err := m.Verify(provider); err != nil {
		return err
	}
	return m.activeService().UpdateUser(ctx, user)
}

// DeleteUser removes a user from the active server.
func (m *Manager) DeleteUser(ctx context.Context, provider CredentialProvider, username string) error {
	if err := m.Verify(provider); err != nil {
		return err
	}
	return m.activeService().DeleteUser(ctx, username)
}

// StartRescan asks the active server to rescan its media folders.
func (m *Manager) StartRescan(ctx context.Context, provider CredentialProvider) error {
	if err := m.Verify(provider); err != nil {
		return err
	}
	return m.activeService().StartRescan(ctx)
}

func (m *Manager) activeService() catalog.Service {
	return m.factory(m.ActiveServer())
}
