package database

// AttachmentMeta is the stored shape of one message attachment. The service
// caches metadata only; attachment bodies stay with the provider.
type AttachmentMeta struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	PartID   string `json:"part_id,omitempty"`
}
