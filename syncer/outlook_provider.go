package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/inboxlane/mailsync/apps/outlook"
	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/database"
	"github.com/inboxlane/mailsync/pkg/utils"
	"github.com/inboxlane/mailsync/repo"
)

// outlookWellKnownFolders maps Graph display names onto cached folder types.
var outlookWellKnownFolders = map[string]string{
	"Inbox":         repo.FolderTypeInbox,
	"Sent Items":    repo.FolderTypeSent,
	"Drafts":        repo.FolderTypeDrafts,
	"Archive":       repo.FolderTypeArchive,
	"Deleted Items": repo.FolderTypeTrash,
}

type outlookProvider struct {
	client *outlook.OutlookClient
}

func newOutlookProvider(accessToken string) (*outlookProvider, error) {
	client, err := outlook.NewOutlookClientUsingToken(accessToken)
	if err != nil {
		return nil, err
	}
	return &outlookProvider{client: client}, nil
}

// Profile has no history id: Graph offers delta links instead of a single
// mailbox cursor, so outlook connections always run full syncs.
func (p *outlookProvider) Profile(ctx context.Context) (*ProviderProfile, error) {
	user, err := p.client.GetCurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	return &ProviderProfile{Email: user.Address()}, nil
}

func (p *outlookProvider) DiscoverFolders(ctx context.Context) ([]ProviderFolderInfo, error) {
	raw, err := p.client.ListMailFolders(ctx)
	if err != nil {
		return nil, err
	}

	var folders []ProviderFolderInfo
	for _, folder := range raw {
		folderType, ok := outlookWellKnownFolders[folder.DisplayName]
		if !ok {
			continue
		}
		folders = append(folders, ProviderFolderInfo{
			Name:             folder.DisplayName,
			FolderType:       folderType,
			ProviderFolderID: folder.ID,
			ItemCount:        int64(folder.TotalItemCount),
		})
	}
	return folders, nil
}

// ListMessagePage pages with skip offsets; the page token is the next skip
// value in decimal.
func (p *outlookProvider) ListMessagePage(ctx context.Context, providerFolderID, pageToken string, pageSize int) (*MessagePage, error) {
	skip := 0
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid outlook page token %q", pageToken)
		}
		skip = parsed
	}

	messages, hasMore, err := p.client.ListFolderMessages(ctx, providerFolderID, int32(skip), int32(pageSize))
	if err != nil {
		return nil, err
	}

	page := &MessagePage{}
	for _, msg := range messages {
		page.IDs = append(page.IDs, msg.ID)
	}
	if hasMore {
		page.NextPageToken = strconv.Itoa(skip + len(messages))
	}
	return page, nil
}

func (p *outlookProvider) FetchMessage(ctx context.Context, providerMessageID string) (*ProviderMessage, error) {
	raw, err := p.client.GetMessage(ctx, providerMessageID)
	if err != nil {
		return nil, err
	}

	msg := &ProviderMessage{
		ProviderID:  raw.ID,
		Subject:     raw.Subject,
		Sender:      raw.From,
		Recipients:  raw.ToRecipients,
		Cc:          raw.CcRecipients,
		BodyHTML:    raw.Body,
		BodyPreview: utils.Truncate(raw.BodyPreview, previewLimit),
		IsRead:      raw.IsRead,
		IsStarred:   raw.IsFlagged,
	}
	if raw.ReceivedDateTime != nil {
		msg.Date = *raw.ReceivedDateTime
	}
	if raw.ParentFolderID != "" {
		msg.FolderIDs = []string{raw.ParentFolderID}
	}
	for _, att := range raw.Attachments {
		msg.Attachments = append(msg.Attachments, database.AttachmentMeta{
			Filename: att.Name,
			MimeType: att.ContentType,
			Size:     att.Size,
			PartID:   att.ID,
		})
	}
	return msg, nil
}

func (p *outlookProvider) SupportsHistory() bool { return false }

func (p *outlookProvider) ListHistory(ctx context.Context, startHistoryID, pageToken string) (*HistoryPage, error) {
	return nil, fmt.Errorf("%w: outlook has no history listing", apperrors.ErrRequiresFullSync)
}

func (p *outlookProvider) SupportsWatch() bool { return false }

func (p *outlookProvider) InstallWatch(ctx context.Context, topic string) (*WatchInfo, error) {
	return nil, apperrors.ErrUnsupportedProvider
}

func (p *outlookProvider) StopWatch(ctx context.Context) error {
	return apperrors.ErrUnsupportedProvider
}

func refreshOutlookToken(ctx context.Context, refreshToken string) (*TokenUpdate, error) {
	res, err := outlook.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	update := &TokenUpdate{
		AccessToken: res.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(res.ExpiresIn) * time.Second),
	}
	if res.RefreshToken != "" && res.RefreshToken != refreshToken {
		update.RefreshToken = res.RefreshToken
	}
	return update, nil
}
