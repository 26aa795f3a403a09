package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const gmailUser = "me"

// GmailConfig points at OAuth client credentials and a previously authorised
// token, both as JSON files.
type GmailConfig struct {
	CredentialsFile string
	TokenFile       string
	Mailbox         string
}

// Gmail reads a Gmail inbox through the Gmail API.
type Gmail struct {
	svc     *gmail.Service
	mailbox string
}

// NewGmail builds an authorised client from the configured files.
func NewGmail(ctx context.Context, cfg GmailConfig) (*Gmail, error) {
	creds, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading gmail credentials: %w", err)
	}
	oc, err := google.ConfigFromJSON(creds, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing gmail credentials: %w", err)
	}
	raw, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, &AuthError{Provider: "gmail", Message: fmt.Sprintf("no token at %s: %v", cfg.TokenFile, err)}
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parsing gmail token: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oc.Client(ctx, &tok)))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return NewGmailWithService(svc, cfg.Mailbox), nil
}

// NewGmailWithService wraps an existing service (for testing).
func NewGmailWithService(svc *gmail.Service, mailbox string) *Gmail {
	return &Gmail{svc: svc, mailbox: mailbox}
}

func gmailErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Provider: "gmail", Message: gerr.Message}
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrMessageNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (g *Gmail) ListUnread(ctx context.Context, filter string, pageSize int) ([]Message, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	q := strings.TrimSpace("in:inbox is:unread " + filter)
	resp, err := g.svc.Users.Messages.List(gmailUser).Q(q).MaxResults(int64(pageSize)).Context(ctx).Do()
	if err != nil {
		return nil, gmailErr("listing unread messages", err)
	}

	out := make([]Message, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		m, err := g.svc.Users.Messages.Get(gmailUser, ref.Id).
			Format("metadata").
			MetadataHeaders("Message-ID", "From", "To", "Cc", "Subject").
			Context(ctx).Do()
		if err != nil {
			return nil, gmailErr("fetching message "+ref.Id, err)
		}
		out = append(out, gmailMessage(m))
	}
	return out, nil
}

func gmailMessage(m *gmail.Message) Message {
	msg := Message{
		ID:             m.Id,
		ConversationID: m.ThreadId,
		From:           UnknownSender,
		ReceivedAt:     time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.Payload == nil {
		return msg
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "message-id":
			msg.InternetMessageID = strings.TrimSpace(h.Value)
		case "subject":
			msg.Subject = h.Value
		case "from":
			if addrs := addressList(h.Value); len(addrs) > 0 {
				msg.From = addrs[0]
			}
		case "to":
			msg.To = addressList(h.Value)
		case "cc":
			msg.Cc = addressList(h.Value)
		}
	}
	return msg
}

// addressList extracts bare addresses from a header, keeping the raw value
// when it does not parse.
func addressList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(v)
	if err != nil {
		return []string{strings.TrimSpace(v)}
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

func (g *Gmail) full(ctx context.Context, messageID string) (*gmail.Message, error) {
	m, err := g.svc.Users.Messages.Get(gmailUser, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, gmailErr("fetching message "+messageID, err)
	}
	return m, nil
}

func (g *Gmail) FetchBody(ctx context.Context, messageID string) (string, error) {
	m, err := g.full(ctx, messageID)
	if err != nil {
		return "", err
	}
	var p parsedMessage
	walkParts(m.Payload, func(part *gmail.MessagePart) {
		if part.Filename != "" || part.Body == nil || part.Body.Data == "" {
			return
		}
		data, err := decodeGmail(part.Body.Data)
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(part.MimeType, "text/plain") && p.text == "":
			p.text = string(data)
		case strings.HasPrefix(part.MimeType, "text/html") && p.html == "":
			p.html = string(data)
		}
	})
	return p.body(), nil
}

func (g *Gmail) FetchAttachmentMetadata(ctx context.Context, messageID string) ([]AttachmentMeta, error) {
	m, err := g.full(ctx, messageID)
	if err != nil {
		return nil, err
	}
	var out []AttachmentMeta
	walkParts(m.Payload, func(part *gmail.MessagePart) {
		if part.Filename == "" || part.Body == nil || part.Body.AttachmentId == "" {
			return
		}
		out = append(out, AttachmentMeta{
			ID:          part.Body.AttachmentId,
			Filename:    part.Filename,
			ContentType: part.MimeType,
			Size:        part.Body.Size,
			Inline:      isInline(part),
		})
	})
	return out, nil
}

func isInline(part *gmail.MessagePart) bool {
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, "Content-Disposition") {
			return strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value)), "inline")
		}
	}
	return false
}

func (g *Gmail) FetchAttachmentContent(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	body, err := g.svc.Users.Messages.Attachments.Get(gmailUser, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, gmailErr("downloading attachment", err)
	}
	return decodeGmail(body.Data)
}

func (g *Gmail) MarkRead(ctx context.Context, messageID string) error {
	_, err := g.svc.Users.Messages.Modify(gmailUser, messageID, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return gmailErr("marking message read", err)
	}
	return nil
}

func walkParts(p *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if p == nil {
		return
	}
	fn(p)
	for _, child := range p.Parts {
		walkParts(child, fn)
	}
}

// decodeGmail decodes the API's base64url payloads, which may or may not
// carry padding.
func decodeGmail(s string) ([]byte, error) {
	if data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
