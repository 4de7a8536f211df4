package repo

import (
	"errors"
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/pkg/database"
	"github.com/inboxlane/mailsync/pkg/gorm"
	"github.com/inboxlane/mailsync/pkg/utils"
	gormdb "gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// deleteChunkSize bounds the IN (...) list for provider-id deletes.
const deleteChunkSize = 100

// CachedEmail is the locally cached copy of a provider message. Bodies of
// attachments are not stored, only their metadata.
type CachedEmail struct {
	gorm.UUIDModel

	UserID          string `gorm:"type:uuid;not null;uniqueIndex:uniq_email_conn_provider" json:"user_id"`
	ConnectionID    string `gorm:"type:uuid;not null;index;uniqueIndex:uniq_email_conn_provider" json:"connection_id"`
	FolderID        string `gorm:"type:uuid;index" json:"folder_id"`
	ProviderEmailID string `gorm:"size:255;not null;uniqueIndex:uniq_email_conn_provider" json:"provider_email_id"`

	Subject     string               `gorm:"type:text" json:"subject"`
	Sender      string               `gorm:"size:512" json:"sender"`
	Recipients  *database.StringList `gorm:"type:jsonb" json:"recipients,omitempty"`
	Cc          *database.StringList `gorm:"type:jsonb" json:"cc,omitempty"`
	MessageDate *time.Time           `gorm:"index" json:"message_date"`

	BodyHTML    string `gorm:"type:text" json:"body_html,omitempty"`
	BodyPreview string `gorm:"size:512" json:"body_preview"`

	IsRead    bool `gorm:"default:false" json:"is_read"`
	IsStarred bool `gorm:"default:false" json:"is_starred"`

	Attachments *database.DbJson[[]database.AttachmentMeta] `gorm:"type:jsonb" json:"attachments,omitempty"`
}

func (CachedEmail) TableName() string { return "cached_emails" }

// MessageRepository handles all database operations for cached emails.
type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// messageUpdateColumns are refreshed when an upsert hits an existing row.
// The row id and created_at are preserved so re-syncs stay idempotent.
var messageUpdateColumns = []string{
	"folder_id", "subject", "sender", "recipients", "cc", "message_date",
	"body_html", "body_preview", "is_read", "is_starred", "attachments", "updated_at",
}

// UpsertBatch inserts the given messages, updating rows that already exist
// for the same (user, connection, provider email id).
func (r *MessageRepository) UpsertBatch(messages []CachedEmail) error {
	if len(messages) == 0 {
		return nil
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"}, {Name: "connection_id"}, {Name: "provider_email_id"},
		},
		DoUpdates: clause.AssignmentColumns(messageUpdateColumns),
	}).Create(&messages).Error
	if err != nil {
		return fmt.Errorf("error upserting message batch: %v", err)
	}
	return nil
}

func (r *MessageRepository) Upsert(message *CachedEmail) error {
	batch := []CachedEmail{*message}
	if err := r.UpsertBatch(batch); err != nil {
		return err
	}
	*message = batch[0]
	return nil
}

func (r *MessageRepository) GetByProviderID(connectionID, providerEmailID string) (*CachedEmail, error) {
	var message CachedEmail
	err := r.db.Where("connection_id = ? AND provider_email_id = ?", connectionID, providerEmailID).
		First(&message).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return nil, gormdb.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting message: %v", err)
	}
	return &message, nil
}

// DeleteByProviderIDs removes cached rows for the given provider message ids,
// chunked so the statement stays within parameter limits. Missing ids are
// ignored.
func (r *MessageRepository) DeleteByProviderIDs(connectionID string, providerEmailIDs []string) (int64, error) {
	if len(providerEmailIDs) == 0 {
		return 0, nil
	}
	var total int64
	for _, chunk := range utils.Chunk(providerEmailIDs, deleteChunkSize) {
		result := r.db.Where("connection_id = ? AND provider_email_id IN ?", connectionID, chunk).
			Delete(&CachedEmail{})
		if result.Error != nil {
			return total, fmt.Errorf("error deleting messages: %v", result.Error)
		}
		total += result.RowsAffected
	}
	return total, nil
}

// DeleteByFolder clears a folder's cached messages before a full re-fetch.
func (r *MessageRepository) DeleteByFolder(connectionID, folderID string) (int64, error) {
	result := r.db.Where("connection_id = ? AND folder_id = ?", connectionID, folderID).
		Delete(&CachedEmail{})
	if result.Error != nil {
		return 0, fmt.Errorf("error clearing folder messages: %v", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *MessageRepository) CountByConnection(connectionID string) (int64, error) {
	var count int64
	if err := r.db.Model(&CachedEmail{}).Where("connection_id = ?", connectionID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("error counting messages: %v", err)
	}
	return count, nil
}

func (r *MessageRepository) CountByFolder(connectionID, folderID string) (int64, error) {
	var count int64
	err := r.db.Model(&CachedEmail{}).
		Where("connection_id = ? AND folder_id = ?", connectionID, folderID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting folder messages: %v", err)
	}
	return count, nil
}
