package google

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// maxPageSize is Gmail's hard ceiling for messages.list.
const maxPageSize = 500

// historyTypes covers everything incremental sync reacts to: new mail,
// deletions, and label flips (read state, stars).
var historyTypes = []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"}

type GmailClient struct {
	*gmail.Service
}

// NewGmailClient builds a client bound to one user's access token.
func NewGmailClient(ctx context.Context, accessToken string) (*GmailClient, error) {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	serv, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, source)))
	if err != nil {
		return nil, fmt.Errorf("error creating gmail service: %v", err)
	}
	return &GmailClient{serv}, nil
}

// GetProfile returns the mailbox owner's address and current history id.
// Also serves as the token validity check when a connection is created.
func (client *GmailClient) GetProfile(ctx context.Context) (*gmail.Profile, error) {
	profile, err := client.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("error getting gmail profile: %v", err)
	}
	return profile, nil
}

func (client *GmailClient) ListLabels(ctx context.Context) ([]*gmail.Label, error) {
	res, err := client.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("error listing labels: %v", err)
	}
	return res.Labels, nil
}

// ListMessageIDs returns one page of message ids for a label. Pass an empty
// pageToken for the first page; pageSize above the API ceiling is clamped.
func (client *GmailClient) ListMessageIDs(ctx context.Context, labelID, pageToken string, pageSize int64) (*gmail.ListMessagesResponse, error) {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	call := client.Users.Messages.List("me").MaxResults(pageSize).Context(ctx)
	if labelID != "" {
		call = call.LabelIds(labelID)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	res, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("error listing messages: %v", err)
	}
	return res, nil
}

// GetMessageFull fetches the complete message including body parts.
func (client *GmailClient) GetMessageFull(ctx context.Context, messageID string) (*gmail.Message, error) {
	msg, err := client.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("error getting message %s: %v", messageID, err)
	}
	return msg, nil
}

// ListHistory returns one page of mailbox changes since startHistoryID.
// Gmail rejects the call when the id is too old; callers translate that
// into a full-sync fallback.
func (client *GmailClient) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmail.ListHistoryResponse, error) {
	call := client.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes(historyTypes...).
		MaxResults(maxPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	res, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("error listing history: %v", err)
	}
	return res, nil
}

// Watch points mailbox change notifications at the pub/sub topic. Gmail
// lets a watch live for at most seven days; the response carries the
// actual expiration and the history id the watch starts from.
func (client *GmailClient) Watch(ctx context.Context, topicName string) (*gmail.WatchResponse, error) {
	req := &gmail.WatchRequest{
		TopicName:         topicName,
		LabelIds:          []string{"INBOX"},
		LabelFilterAction: "include",
	}
	res, err := client.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("error installing watch: %v", err)
	}
	return res, nil
}

// StopWatch tears down the mailbox watch. Missing watches are not an error
// to Gmail, so this is safe to call on cleanup paths.
func (client *GmailClient) StopWatch(ctx context.Context) error {
	if err := client.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("error stopping watch: %v", err)
	}
	return nil
}
