package repo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_FolderRepository_SeedDefaults(t *testing.T) {
	db := newTestDB(t)
	folders := NewFolderRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	seeded, err := folders.SeedDefaults(userID, conn.ID)
	require.NoError(t, err)
	require.Len(t, seeded, len(DefaultFolderSeeds))

	// Seeding again is a no-op.
	again, err := folders.SeedDefaults(userID, conn.ID)
	require.NoError(t, err)
	assert.Len(t, again, len(DefaultFolderSeeds))

	inbox, err := folders.GetByType(conn.ID, FolderTypeInbox)
	require.NoError(t, err)
	assert.Equal(t, "Inbox", inbox.Name)
	assert.Equal(t, "INBOX", inbox.ProviderFolderID)

	_, err = folders.GetByType(conn.ID, FolderTypeArchive)
	assert.ErrorIs(t, err, apperrors.ErrFolderNotFound)
}

func Test_FolderRepository_UpsertProviderFolder(t *testing.T) {
	db := newTestDB(t)
	folders := NewFolderRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	created, err := folders.UpsertProviderFolder(userID, conn.ID, "Archive", FolderTypeArchive, "ARCHIVE")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	// Discovery with a changed name updates in place.
	updated, err := folders.UpsertProviderFolder(userID, conn.ID, "All Mail", FolderTypeArchive, "ALL_MAIL")
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "All Mail", updated.Name)
	assert.Equal(t, "ALL_MAIL", updated.ProviderFolderID)

	list, err := folders.ListByConnection(conn.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
