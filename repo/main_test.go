package repo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/inboxlane/mailsync/pkg/gorm"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.NewDatabase(gorm.SQLiteConfig(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(
		&EmailConnection{},
		&EmailFolder{},
		&CachedEmail{},
		&SyncJob{},
		&WorkerRecord{},
		&SyncLock{},
	))
	return db
}

func createTestConnection(t *testing.T, db *gorm.DB, userID string) *EmailConnection {
	t.Helper()

	conn := &EmailConnection{
		UserID:       userID,
		Provider:     ProviderGmail,
		Email:        uuid.NewString() + "@example.com",
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
	}
	require.NoError(t, db.Create(conn).Error)
	return conn
}
