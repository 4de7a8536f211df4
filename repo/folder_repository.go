package repo

import (
	"errors"
	"fmt"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/gorm"
	gormdb "gorm.io/gorm"
)

// Folder types. Anything outside the five well-known types is custom.
const (
	FolderTypeInbox   = "inbox"
	FolderTypeSent    = "sent"
	FolderTypeDrafts  = "drafts"
	FolderTypeArchive = "archive"
	FolderTypeTrash   = "trash"
	FolderTypeCustom  = "custom"
)

// EmailFolder is a per-connection mailbox folder; it maps to a Gmail label
// or an Outlook folder.
type EmailFolder struct {
	gorm.UUIDModel

	UserID       string `gorm:"type:uuid;not null" json:"user_id"`
	ConnectionID string `gorm:"type:uuid;not null;index;uniqueIndex:uniq_folder_connection_type" json:"connection_id"`
	Name         string `gorm:"size:255;not null" json:"name"`
	FolderType   string `gorm:"size:32;not null;uniqueIndex:uniq_folder_connection_type" json:"folder_type"`

	// ProviderFolderID is the provider-side identifier (Gmail label id).
	ProviderFolderID string `gorm:"size:255" json:"provider_folder_id"`
}

func (EmailFolder) TableName() string { return "email_folders" }

// DefaultFolderSeeds are created on first sync when the connection has no
// folder rows yet. Provider ids follow Gmail's system labels.
var DefaultFolderSeeds = []EmailFolder{
	{Name: "Inbox", FolderType: FolderTypeInbox, ProviderFolderID: "INBOX"},
	{Name: "Sent", FolderType: FolderTypeSent, ProviderFolderID: "SENT"},
	{Name: "Drafts", FolderType: FolderTypeDrafts, ProviderFolderID: "DRAFT"},
	{Name: "Trash", FolderType: FolderTypeTrash, ProviderFolderID: "TRASH"},
}

// FolderRepository handles all database operations for folders.
type FolderRepository struct {
	db *gorm.DB
}

func NewFolderRepository(db *gorm.DB) *FolderRepository {
	return &FolderRepository{db: db}
}

func (r *FolderRepository) ListByConnection(connectionID string) ([]EmailFolder, error) {
	var folders []EmailFolder
	if err := r.db.Where("connection_id = ?", connectionID).Order("created_at ASC").Find(&folders).Error; err != nil {
		return nil, fmt.Errorf("error listing folders: %v", err)
	}
	return folders, nil
}

// GetByType resolves a folder row by its type; the on-demand sync path uses
// this to pre-clear by folder uuid rather than by type string.
func (r *FolderRepository) GetByType(connectionID, folderType string) (*EmailFolder, error) {
	var folder EmailFolder
	err := r.db.Where("connection_id = ? AND folder_type = ?", connectionID, folderType).First(&folder).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return nil, apperrors.ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting folder by type: %v", err)
	}
	return &folder, nil
}

// SeedDefaults inserts the four default folders when the connection has no
// folder rows, then returns the full list. Safe to call concurrently: the
// (connection_id, folder_type) unique index collapses duplicate seeds.
func (r *FolderRepository) SeedDefaults(userID, connectionID string) ([]EmailFolder, error) {
	existing, err := r.ListByConnection(connectionID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	for _, seed := range DefaultFolderSeeds {
		folder := seed
		folder.UserID = userID
		folder.ConnectionID = connectionID
		if err := r.db.Create(&folder).Error; err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, fmt.Errorf("error seeding folder %s: %v", folder.FolderType, err)
		}
	}

	return r.ListByConnection(connectionID)
}

// UpsertProviderFolder records a discovered provider folder under its type,
// updating name and provider id when the row already exists.
func (r *FolderRepository) UpsertProviderFolder(userID, connectionID, name, folderType, providerFolderID string) (*EmailFolder, error) {
	existing, err := r.GetByType(connectionID, folderType)
	if err == nil {
		if existing.Name == name && existing.ProviderFolderID == providerFolderID {
			return existing, nil
		}
		updates := map[string]interface{}{
			"name":               name,
			"provider_folder_id": providerFolderID,
		}
		if err := r.db.Model(&EmailFolder{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("error updating folder: %v", err)
		}
		existing.Name = name
		existing.ProviderFolderID = providerFolderID
		return existing, nil
	}
	if !errors.Is(err, apperrors.ErrFolderNotFound) {
		return nil, err
	}

	folder := EmailFolder{
		UserID:           userID,
		ConnectionID:     connectionID,
		Name:             name,
		FolderType:       folderType,
		ProviderFolderID: providerFolderID,
	}
	if err := r.db.Create(&folder).Error; err != nil {
		if isUniqueViolation(err) {
			return r.GetByType(connectionID, folderType)
		}
		return nil, fmt.Errorf("error creating folder: %v", err)
	}
	return &folder, nil
}
