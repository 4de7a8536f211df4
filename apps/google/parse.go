package google

import (
	"encoding/base64"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
)

// ParsedMessage is the provider-neutral form of one Gmail message, ready to
// be cached. Attachment bodies are never downloaded, only described.
type ParsedMessage struct {
	ProviderID  string
	ThreadID    string
	Subject     string
	From        string
	To          []string
	Cc          []string
	Date        time.Time
	BodyHTML    string
	Snippet     string
	IsRead      bool
	IsStarred   bool
	LabelIDs    []string
	Attachments []ParsedAttachment
}

type ParsedAttachment struct {
	Filename string
	MimeType string
	Size     int64
	PartID   string
}

// ParseMessage flattens the Gmail payload tree into a ParsedMessage.
func ParseMessage(msg *gmail.Message) *ParsedMessage {
	parsed := &ParsedMessage{
		ProviderID: msg.Id,
		ThreadID:   msg.ThreadId,
		Snippet:    msg.Snippet,
		Date:       time.UnixMilli(msg.InternalDate),
		IsRead:     true,
		LabelIDs:   msg.LabelIds,
	}

	for _, label := range msg.LabelIds {
		switch label {
		case "UNREAD":
			parsed.IsRead = false
		case "STARRED":
			parsed.IsStarred = true
		}
	}

	if msg.Payload == nil {
		return parsed
	}

	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			parsed.Subject = h.Value
		case "From":
			parsed.From = strings.TrimSpace(h.Value)
		case "To":
			parsed.To = parseAddressList(h.Value)
		case "Cc":
			parsed.Cc = parseAddressList(h.Value)
		}
	}

	html, plain := findBodies(msg.Payload)
	if html != "" {
		parsed.BodyHTML = html
	} else {
		parsed.BodyHTML = plain
	}

	collectAttachments(msg.Payload, &parsed.Attachments)
	return parsed
}

// findBodies walks the part tree and returns the first html and plain text
// bodies it finds. Multipart containers carry no body of their own.
func findBodies(part *gmail.MessagePart) (html, plain string) {
	if part == nil {
		return "", ""
	}

	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		switch part.MimeType {
		case "text/html":
			html = decodeBody(part.Body.Data)
		case "text/plain":
			plain = decodeBody(part.Body.Data)
		}
	}

	for _, sub := range part.Parts {
		subHTML, subPlain := findBodies(sub)
		if html == "" {
			html = subHTML
		}
		if plain == "" {
			plain = subPlain
		}
		if html != "" && plain != "" {
			break
		}
	}
	return html, plain
}

func collectAttachments(part *gmail.MessagePart, out *[]ParsedAttachment) {
	if part == nil {
		return
	}
	if part.Filename != "" {
		att := ParsedAttachment{
			Filename: part.Filename,
			MimeType: part.MimeType,
			PartID:   part.PartId,
		}
		if part.Body != nil {
			att.Size = part.Body.Size
		}
		*out = append(*out, att)
	}
	for _, sub := range part.Parts {
		collectAttachments(sub, out)
	}
}

// decodeBody handles Gmail's url-safe base64, with and without padding.
// Undecodable data is returned raw rather than dropped.
func decodeBody(data string) string {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	return data
}

// parseAddressList splits an address header into bare addresses. Headers
// that defeat the RFC 5322 parser fall back to a comma split so the data
// is kept in some form.
func parseAddressList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(value)
	if err != nil {
		var out []string
		for _, piece := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(piece); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	out := make([]string, 0, len(parsed))
	for _, addr := range parsed {
		out = append(out, addr.Address)
	}
	return out
}
