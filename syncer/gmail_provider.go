package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/inboxlane/mailsync/apps/google"
	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/database"
	"github.com/inboxlane/mailsync/pkg/utils"
	"github.com/inboxlane/mailsync/repo"
)

// previewLimit matches the body_preview column size.
const previewLimit = 512

// gmailSystemFolders maps Gmail system labels onto cached folder types.
// Everything else Gmail calls a label stays out of the folder table.
var gmailSystemFolders = map[string]struct {
	name       string
	folderType string
}{
	"INBOX": {"Inbox", repo.FolderTypeInbox},
	"SENT":  {"Sent", repo.FolderTypeSent},
	"DRAFT": {"Drafts", repo.FolderTypeDrafts},
	"TRASH": {"Trash", repo.FolderTypeTrash},
}

type gmailProvider struct {
	client *google.GmailClient
}

func newGmailProvider(ctx context.Context, accessToken string) (*gmailProvider, error) {
	client, err := google.NewGmailClient(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return &gmailProvider{client: client}, nil
}

func (p *gmailProvider) Profile(ctx context.Context) (*ProviderProfile, error) {
	profile, err := p.client.GetProfile(ctx)
	if err != nil {
		return nil, err
	}
	return &ProviderProfile{
		Email:         profile.EmailAddress,
		HistoryID:     strconv.FormatUint(profile.HistoryId, 10),
		MessagesTotal: profile.MessagesTotal,
	}, nil
}

func (p *gmailProvider) DiscoverFolders(ctx context.Context) ([]ProviderFolderInfo, error) {
	labels, err := p.client.ListLabels(ctx)
	if err != nil {
		return nil, err
	}

	var folders []ProviderFolderInfo
	for _, label := range labels {
		entry, ok := gmailSystemFolders[label.Id]
		if !ok {
			continue
		}
		folders = append(folders, ProviderFolderInfo{
			Name:             entry.name,
			FolderType:       entry.folderType,
			ProviderFolderID: label.Id,
			ItemCount:        label.MessagesTotal,
		})
	}
	return folders, nil
}

func (p *gmailProvider) ListMessagePage(ctx context.Context, providerFolderID, pageToken string, pageSize int) (*MessagePage, error) {
	res, err := p.client.ListMessageIDs(ctx, providerFolderID, pageToken, int64(pageSize))
	if err != nil {
		return nil, err
	}

	page := &MessagePage{
		NextPageToken: res.NextPageToken,
		SizeEstimate:  res.ResultSizeEstimate,
	}
	for _, msg := range res.Messages {
		page.IDs = append(page.IDs, msg.Id)
	}
	return page, nil
}

func (p *gmailProvider) FetchMessage(ctx context.Context, providerMessageID string) (*ProviderMessage, error) {
	raw, err := p.client.GetMessageFull(ctx, providerMessageID)
	if err != nil {
		return nil, err
	}

	parsed := google.ParseMessage(raw)
	msg := &ProviderMessage{
		ProviderID:  parsed.ProviderID,
		Subject:     parsed.Subject,
		Sender:      parsed.From,
		Recipients:  parsed.To,
		Cc:          parsed.Cc,
		Date:        parsed.Date,
		BodyHTML:    parsed.BodyHTML,
		BodyPreview: utils.Truncate(parsed.Snippet, previewLimit),
		IsRead:      parsed.IsRead,
		IsStarred:   parsed.IsStarred,
		FolderIDs:   parsed.LabelIDs,
	}
	for _, att := range parsed.Attachments {
		msg.Attachments = append(msg.Attachments, database.AttachmentMeta{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Size:     att.Size,
			PartID:   att.PartID,
		})
	}
	return msg, nil
}

func (p *gmailProvider) SupportsHistory() bool { return true }

func (p *gmailProvider) ListHistory(ctx context.Context, startHistoryID, pageToken string) (*HistoryPage, error) {
	start, err := strconv.ParseUint(startHistoryID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: unusable history cursor %q", apperrors.ErrRequiresFullSync, startHistoryID)
	}

	res, err := p.client.ListHistory(ctx, start, pageToken)
	if err != nil {
		// Gmail answers 404 when the cursor is older than its history
		// window; only a full sync can recover from that.
		if apperrors.IsInvalidHistoryMessage(err.Error()) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrRequiresFullSync, err)
		}
		return nil, err
	}

	page := &HistoryPage{
		LatestHistoryID: strconv.FormatUint(res.HistoryId, 10),
		NextPageToken:   res.NextPageToken,
	}
	for _, h := range res.History {
		for _, added := range h.MessagesAdded {
			if added.Message != nil {
				page.AddedIDs = append(page.AddedIDs, added.Message.Id)
			}
		}
		for _, deleted := range h.MessagesDeleted {
			if deleted.Message != nil {
				page.DeletedIDs = append(page.DeletedIDs, deleted.Message.Id)
			}
		}
		for _, labeled := range h.LabelsAdded {
			if labeled.Message != nil {
				page.UpdatedIDs = append(page.UpdatedIDs, labeled.Message.Id)
			}
		}
		for _, unlabeled := range h.LabelsRemoved {
			if unlabeled.Message != nil {
				page.UpdatedIDs = append(page.UpdatedIDs, unlabeled.Message.Id)
			}
		}
	}

	page.AddedIDs = utils.Dedupe(page.AddedIDs)
	page.DeletedIDs = utils.Dedupe(page.DeletedIDs)
	page.UpdatedIDs = utils.Dedupe(page.UpdatedIDs)
	return page, nil
}

func (p *gmailProvider) SupportsWatch() bool { return true }

// InstallWatch leaves ResourceID empty; Gmail notifications identify the
// mailbox by address, so callers key the watch on the connection's email.
func (p *gmailProvider) InstallWatch(ctx context.Context, topic string) (*WatchInfo, error) {
	res, err := p.client.Watch(ctx, topic)
	if err != nil {
		return nil, err
	}
	return &WatchInfo{
		HistoryID:  strconv.FormatUint(res.HistoryId, 10),
		Expiration: time.UnixMilli(res.Expiration),
	}, nil
}

func (p *gmailProvider) StopWatch(ctx context.Context) error {
	return p.client.StopWatch(ctx)
}

func refreshGmailToken(ctx context.Context, refreshToken string) (*TokenUpdate, error) {
	tok, err := google.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	update := &TokenUpdate{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		update.RefreshToken = tok.RefreshToken
	}
	return update, nil
}
