package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
)

type mimeAttachment struct {
	meta AttachmentMeta
	data []byte
}

type parsedMessage struct {
	text        string
	html        string
	attachments []mimeAttachment
}

// body prefers the plain-text part and falls back to the HTML part.
func (p parsedMessage) body() string {
	if strings.TrimSpace(p.text) != "" {
		return strings.TrimSpace(p.text)
	}
	if p.html != "" {
		return HTMLToText(p.html)
	}
	return ""
}

func (p parsedMessage) attachment(id string) ([]byte, error) {
	for _, a := range p.attachments {
		if a.meta.ID == id {
			return a.data, nil
		}
	}
	return nil, fmt.Errorf("attachment %s: %w", id, ErrMessageNotFound)
}

// parseMIME walks an RFC 5322 message. Attachments are numbered in the order
// they appear, starting at 1.
func parseMIME(raw []byte) (parsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return parsedMessage{}, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	var p parsedMessage
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return p, fmt.Errorf("reading message part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && p.text == "":
				p.text = string(body)
			case strings.HasPrefix(contentType, "text/html") && p.html == "":
				p.html = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return p, fmt.Errorf("reading attachment %q: %w", filename, err)
			}
			p.attachments = append(p.attachments, mimeAttachment{
				meta: AttachmentMeta{
					ID:          strconv.Itoa(len(p.attachments) + 1),
					Filename:    filename,
					ContentType: contentType,
					Size:        int64(len(body)),
				},
				data: body,
			})
		}
	}
	return p, nil
}
