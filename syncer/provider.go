// Package syncer implements the synchronization core: provider clients,
// token upkeep, the watch lifecycle, the full and incremental sync state
// machines, and the workers that drive jobs from the queue.
package syncer

import (
	"context"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/database"
	"github.com/inboxlane/mailsync/repo"
)

// ProviderProfile identifies the mailbox behind an access token.
type ProviderProfile struct {
	Email         string
	HistoryID     string
	MessagesTotal int64
}

// ProviderFolderInfo describes one provider-side folder worth caching.
type ProviderFolderInfo struct {
	Name             string
	FolderType       string
	ProviderFolderID string
	ItemCount        int64
}

// MessagePage is one page of message ids from a folder listing.
type MessagePage struct {
	IDs           []string
	NextPageToken string
	SizeEstimate  int64
}

// ProviderMessage is a fetched message in provider-neutral form.
type ProviderMessage struct {
	ProviderID  string
	Subject     string
	Sender      string
	Recipients  []string
	Cc          []string
	Date        time.Time
	BodyHTML    string
	BodyPreview string
	IsRead      bool
	IsStarred   bool

	// FolderIDs are the provider folder or label ids the message carries,
	// used to attribute incremental changes to a cached folder.
	FolderIDs []string

	Attachments []database.AttachmentMeta
}

// HistoryPage is one page of mailbox changes since a history cursor.
type HistoryPage struct {
	AddedIDs        []string
	DeletedIDs      []string
	UpdatedIDs      []string
	LatestHistoryID string
	NextPageToken   string
}

// WatchInfo is the provider's answer to a watch install or renewal.
type WatchInfo struct {
	ResourceID string
	HistoryID  string
	Expiration time.Time
}

// TokenUpdate is the result of a refresh grant. RefreshToken is empty when
// the provider did not rotate it.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ProviderClient is the mailbox surface the sync engine runs against.
// Providers without history or watch support return ErrRequiresFullSync and
// ErrUnsupportedProvider from those paths respectively.
type ProviderClient interface {
	Profile(ctx context.Context) (*ProviderProfile, error)
	DiscoverFolders(ctx context.Context) ([]ProviderFolderInfo, error)
	ListMessagePage(ctx context.Context, providerFolderID, pageToken string, pageSize int) (*MessagePage, error)
	FetchMessage(ctx context.Context, providerMessageID string) (*ProviderMessage, error)

	SupportsHistory() bool
	ListHistory(ctx context.Context, startHistoryID, pageToken string) (*HistoryPage, error)

	SupportsWatch() bool
	InstallWatch(ctx context.Context, topic string) (*WatchInfo, error)
	StopWatch(ctx context.Context) error
}

// ClientFactory builds a provider client bound to an access token. Injected
// so tests can run the engine against a fake mailbox.
type ClientFactory func(ctx context.Context, provider, accessToken string) (ProviderClient, error)

// TokenRefresher exchanges a refresh token at the provider's token endpoint.
type TokenRefresher func(ctx context.Context, provider, refreshToken string) (*TokenUpdate, error)

// NewProviderClient is the production ClientFactory.
func NewProviderClient(ctx context.Context, provider, accessToken string) (ProviderClient, error) {
	switch provider {
	case repo.ProviderGmail:
		return newGmailProvider(ctx, accessToken)
	case repo.ProviderOutlook:
		return newOutlookProvider(accessToken)
	default:
		return nil, apperrors.ErrUnsupportedProvider
	}
}

// RefreshProviderToken is the production TokenRefresher.
func RefreshProviderToken(ctx context.Context, provider, refreshToken string) (*TokenUpdate, error) {
	switch provider {
	case repo.ProviderGmail:
		return refreshGmailToken(ctx, refreshToken)
	case repo.ProviderOutlook:
		return refreshOutlookToken(ctx, refreshToken)
	default:
		return nil, apperrors.ErrUnsupportedProvider
	}
}
