// Package mailbox reads inbound email from the monitored mailbox.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UnknownSender stands in for a message without a usable From address.
const UnknownSender = "N/A"

// Message is the listing view of an unread email.
type Message struct {
	ID                string
	InternetMessageID string
	ConversationID    string
	From              string
	Subject           string
	ReceivedAt        time.Time
	To                []string
	Cc                []string
}

// AttachmentMeta describes one attachment without its content.
type AttachmentMeta struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	Inline      bool
}

// Gateway is the mailbox access needed by the pipeline. Message ids are
// provider-local.
type Gateway interface {
	// ListUnread returns up to pageSize unread messages. filter is passed to
	// the provider in its own query language and may be empty.
	ListUnread(ctx context.Context, filter string, pageSize int) ([]Message, error)
	// FetchBody returns the message body as plain text.
	FetchBody(ctx context.Context, messageID string) (string, error)
	FetchAttachmentMetadata(ctx context.Context, messageID string) ([]AttachmentMeta, error)
	FetchAttachmentContent(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	MarkRead(ctx context.Context, messageID string) error
}

// ErrMessageNotFound is returned when the provider has no such message or
// attachment.
var ErrMessageNotFound = errors.New("message not found")

// AuthError reports rejected mailbox credentials.
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Provider, e.Message)
}

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
