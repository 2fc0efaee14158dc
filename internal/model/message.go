package model

import "time"

type (
	// Attachment carries a file sent inside a conversation.
	Attachment struct {
		Filename string `json:"filename"`
		MimeType string `json:"mime_type"`
		Data     []byte `json:"data"`
	}

	// Content is the message payload variant: either Text is set or
	// Attachment is non-nil, never both.
	Content struct {
		Text       string      `json:"text,omitempty"`
		Attachment *Attachment `json:"attachment,omitempty"`
	}

	Message struct {
		ID             string    `json:"id,omitempty"`
		ConversationID string    `json:"conversation_id"`
		SenderID       string    `json:"sender_id"`
		SentAt         time.Time `json:"sent_at"`
		Content        Content   `json:"content"`
	}
)

func TextContent(text string) Content {
	return Content{Text: text}
}

func AttachmentContent(filename, mimeType string, data []byte) Content {
	return Content{Attachment: &Attachment{
		Filename: filename,
		MimeType: mimeType,
		Data:     data,
	}}
}

// Preview renders a short human-readable form of the content, used for
// notification bodies and the inbox list.
func (c Content) Preview() string {
	if c.Attachment != nil {
		return "[file] " + c.Attachment.Filename
	}
	return c.Text
}
