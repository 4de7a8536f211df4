package outlook

import (
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

type OutlookUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"display_name"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"user_principal_name"`
}

func NewOutlookUser(user models.Userable) *OutlookUser {
	if user == nil {
		return nil
	}
	return &OutlookUser{
		ID:                stringValue(user.GetId()),
		DisplayName:       stringValue(user.GetDisplayName()),
		Mail:              stringValue(user.GetMail()),
		UserPrincipalName: stringValue(user.GetUserPrincipalName()),
	}
}

// Address returns the usable mailbox address; some tenants only fill the
// principal name.
func (u *OutlookUser) Address() string {
	if u.Mail != "" {
		return u.Mail
	}
	return u.UserPrincipalName
}

type OutlookFolder struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	TotalItemCount int32  `json:"total_item_count"`
}

func NewOutlookFolder(folder models.MailFolderable) *OutlookFolder {
	if folder == nil {
		return nil
	}
	return &OutlookFolder{
		ID:             stringValue(folder.GetId()),
		DisplayName:    stringValue(folder.GetDisplayName()),
		TotalItemCount: int32Value(folder.GetTotalItemCount()),
	}
}

// OutlookMinimalMessage carries just enough for a listing page; the full
// body is fetched per message.
type OutlookMinimalMessage struct {
	ID               string     `json:"id"`
	Subject          string     `json:"subject"`
	From             string     `json:"from"`
	ReceivedDateTime *time.Time `json:"received_datetime"`
	IsRead           bool       `json:"is_read"`
	HasAttachments   bool       `json:"has_attachments"`
}

func NewOutlookMinimalMessage(message models.Messageable) *OutlookMinimalMessage {
	if message == nil {
		return nil
	}
	return &OutlookMinimalMessage{
		ID:               stringValue(message.GetId()),
		Subject:          stringValue(message.GetSubject()),
		From:             senderAddress(message),
		ReceivedDateTime: message.GetReceivedDateTime(),
		IsRead:           boolValue(message.GetIsRead()),
		HasAttachments:   boolValue(message.GetHasAttachments()),
	}
}

type OutlookMessage struct {
	OutlookMinimalMessage

	Body           string               `json:"body"`
	BodyPreview    string               `json:"body_preview"`
	ToRecipients   []string             `json:"to_recipients"`
	CcRecipients   []string             `json:"cc_recipients"`
	IsFlagged      bool                 `json:"is_flagged"`
	ParentFolderID string               `json:"parent_folder_id"`
	Attachments    []*OutlookAttachment `json:"attachments"`
}

// OutlookAttachment describes an attachment; content bytes are never pulled.
type OutlookAttachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"is_inline"`
}

func NewOutlookAttachment(attachment models.Attachmentable) *OutlookAttachment {
	if attachment == nil {
		return nil
	}
	return &OutlookAttachment{
		ID:          stringValue(attachment.GetId()),
		Name:        stringValue(attachment.GetName()),
		ContentType: stringValue(attachment.GetContentType()),
		Size:        int64(int32Value(attachment.GetSize())),
		IsInline:    boolValue(attachment.GetIsInline()),
	}
}

func NewOutlookMessage(message models.Messageable) *OutlookMessage {
	if message == nil {
		return nil
	}

	msg := &OutlookMessage{
		OutlookMinimalMessage: OutlookMinimalMessage{
			ID:               stringValue(message.GetId()),
			Subject:          stringValue(message.GetSubject()),
			From:             senderAddress(message),
			ReceivedDateTime: message.GetReceivedDateTime(),
			IsRead:           boolValue(message.GetIsRead()),
			HasAttachments:   boolValue(message.GetHasAttachments()),
		},
		BodyPreview:    stringValue(message.GetBodyPreview()),
		ToRecipients:   getRecipients(message.GetToRecipients()),
		CcRecipients:   getRecipients(message.GetCcRecipients()),
		ParentFolderID: stringValue(message.GetParentFolderId()),
	}

	if body := message.GetBody(); body != nil {
		msg.Body = stringValue(body.GetContent())
	}
	if flag := message.GetFlag(); flag != nil && flag.GetFlagStatus() != nil {
		msg.IsFlagged = *flag.GetFlagStatus() == models.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	for _, att := range message.GetAttachments() {
		msg.Attachments = append(msg.Attachments, NewOutlookAttachment(att))
	}

	return msg
}

// Helper functions
func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolValue(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}

func int32Value(i *int32) int32 {
	if i == nil {
		return 0
	}
	return *i
}

func senderAddress(message models.Messageable) string {
	from := message.GetFrom()
	if from == nil || from.GetEmailAddress() == nil {
		return ""
	}
	return stringValue(from.GetEmailAddress().GetAddress())
}

func getRecipients(recipients []models.Recipientable) []string {
	if recipients == nil {
		return nil
	}
	emails := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		if emailAddr := recipient.GetEmailAddress(); emailAddr != nil {
			if addr := stringValue(emailAddr.GetAddress()); addr != "" {
				emails = append(emails, addr)
			}
		}
	}
	return emails
}
