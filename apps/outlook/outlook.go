package outlook

import (
	"context"
	"errors"
	"fmt"

	abs "github.com/microsoft/kiota-abstractions-go"
	msgraph "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
)

// maxPageSize is the clamp for folder message pages.
const maxPageSize = 100

// messageSelectFields is everything the cache stores for a message.
var messageSelectFields = []string{
	"id", "subject", "from", "toRecipients", "ccRecipients",
	"receivedDateTime", "body", "bodyPreview", "isRead", "flag",
	"hasAttachments", "parentFolderId",
}

type OutlookClient struct {
	*msgraph.GraphServiceClient
}

// BearerTokenAuthenticationProvider implements the AuthenticationProvider interface
type BearerTokenAuthenticationProvider struct {
	accessToken string
}

// AuthenticateRequest adds the Bearer token to the request
func (b *BearerTokenAuthenticationProvider) AuthenticateRequest(ctx context.Context, req *abs.RequestInformation, additionalAuthenticationContext map[string]interface{}) error {
	req.Headers.Add("Authorization", "Bearer "+b.accessToken)
	return nil
}

func NewOutlookClientUsingToken(accessToken string) (*OutlookClient, error) {
	authProvider := &BearerTokenAuthenticationProvider{accessToken: accessToken}
	adapter, err := msgraph.NewGraphRequestAdapter(authProvider)
	if err != nil {
		return nil, err
	}
	client := msgraph.NewGraphServiceClient(adapter)
	return &OutlookClient{client}, nil
}

// GetCurrentUser resolves the mailbox owner; doubles as the token check
// when a connection is created.
func (client *OutlookClient) GetCurrentUser(ctx context.Context) (*OutlookUser, error) {
	user, err := client.Me().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting outlook user: %v", err)
	}

	u := NewOutlookUser(user)
	if u == nil || u.ID == "" || u.Address() == "" {
		return nil, errors.New("user is nil")
	}
	return u, nil
}

// ListMailFolders returns the mailbox's top-level folders.
func (client *OutlookClient) ListMailFolders(ctx context.Context) ([]*OutlookFolder, error) {
	query := users.ItemMailFoldersRequestBuilderGetQueryParameters{
		Top:    int32Ptr(maxPageSize),
		Select: []string{"id", "displayName", "totalItemCount"},
	}
	configuration := users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &query,
	}

	result, err := client.Me().MailFolders().Get(ctx, &configuration)
	if err != nil {
		return nil, fmt.Errorf("error listing mail folders: %v", err)
	}

	folders := make([]*OutlookFolder, 0, len(result.GetValue()))
	for _, folder := range result.GetValue() {
		folders = append(folders, NewOutlookFolder(folder))
	}
	return folders, nil
}

// ListFolderMessages returns one skip/top page of message stubs for a
// folder, plus whether more pages remain.
func (client *OutlookClient) ListFolderMessages(ctx context.Context, folderID string, skip, top int32) ([]*OutlookMinimalMessage, bool, error) {
	if top > maxPageSize || top < 1 {
		top = maxPageSize
	}
	if skip < 0 {
		skip = 0
	}

	query := users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:    int32Ptr(top),
		Skip:   int32Ptr(skip),
		Select: []string{"id", "subject", "from", "receivedDateTime", "isRead", "hasAttachments"},
	}
	configuration := users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &query,
	}

	result, err := client.Me().MailFolders().ByMailFolderId(folderID).Messages().Get(ctx, &configuration)
	if err != nil {
		return nil, false, fmt.Errorf("error listing folder messages: %v", err)
	}

	messages := make([]*OutlookMinimalMessage, 0, len(result.GetValue()))
	for _, message := range result.GetValue() {
		messages = append(messages, NewOutlookMinimalMessage(message))
	}
	hasMore := result.GetOdataNextLink() != nil
	return messages, hasMore, nil
}

// GetMessage fetches one message with body and attachment metadata.
func (client *OutlookClient) GetMessage(ctx context.Context, msgID string) (*OutlookMessage, error) {
	msg, err := client.Me().Messages().ByMessageId(msgID).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageSelectFields,
			Expand: []string{"attachments($select=id,name,contentType,size,isInline)"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error getting message %s: %v", msgID, err)
	}
	return NewOutlookMessage(msg), nil
}

// Helper function to create int32 pointer
func int32Ptr(i int32) *int32 {
	return &i
}
