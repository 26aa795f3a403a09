package mailbox

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPConfig configures an IMAP mailbox. Message ids are INBOX UIDs.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool
}

// IMAP reads the INBOX of an IMAP account. Each call uses its own session.
type IMAP struct {
	cfg IMAPConfig

	mu     sync.Mutex
	cached struct {
		uid    imap.UID
		parsed parsedMessage
	}
}

func NewIMAP(cfg IMAPConfig) *IMAP {
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	return &IMAP{cfg: cfg}
}

func (g *IMAP) connect() (*imapclient.Client, error) {
	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))

	var (
		c   *imapclient.Client
		err error
	)
	if g.cfg.TLS {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := c.Login(g.cfg.Username, g.cfg.Password).Wait(); err != nil {
		_ = c.Logout().Wait()
		return nil, &AuthError{Provider: "imap", Message: fmt.Sprintf("login as %s: %v", g.cfg.Username, err)}
	}
	if _, err := c.Select("INBOX", nil).Wait(); err != nil {
		_ = c.Logout().Wait()
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}
	return c, nil
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	return imap.UID(n), nil
}

// ListUnread returns the oldest unseen messages first. A non-empty filter is
// matched as text anywhere in the message.
func (g *IMAP) ListUnread(ctx context.Context, filter string, pageSize int) ([]Message, error) {
	c, err := g.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Logout().Wait() }()

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	if filter != "" {
		criteria.Text = []string{filter}
	}
	data, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching unseen messages: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if pageSize > 0 && len(uids) > pageSize {
		uids = uids[:pageSize]
	}

	fetch := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{Envelope: true, UID: true, InternalDate: true})

	var out []Message
	for {
		msg := fetch.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		out = append(out, messageFromBuffer(buf))
	}
	if err := fetch.Close(); err != nil {
		return out, fmt.Errorf("fetching envelopes: %w", err)
	}
	return out, nil
}

func messageFromBuffer(buf *imapclient.FetchMessageBuffer) Message {
	m := Message{
		ID:         strconv.FormatUint(uint64(buf.UID), 10),
		From:       UnknownSender,
		ReceivedAt: buf.InternalDate,
	}
	if env := buf.Envelope; env != nil {
		m.InternetMessageID = normalizeMessageID(env.MessageID)
		m.Subject = env.Subject
		if !env.Date.IsZero() && m.ReceivedAt.IsZero() {
			m.ReceivedAt = env.Date
		}
		if len(env.From) > 0 && env.From[0].Addr() != "" {
			m.From = env.From[0].Addr()
		}
		for _, a := range env.To {
			m.To = append(m.To, a.Addr())
		}
		for _, a := range env.Cc {
			m.Cc = append(m.Cc, a.Addr())
		}
		if len(env.InReplyTo) > 0 {
			m.ConversationID = normalizeMessageID(env.InReplyTo[0])
		}
	}
	return m
}

// normalizeMessageID wraps a bare Message-ID in angle brackets so ids from
// different providers compare equal.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

// message fetches and parses the full message for uid, reusing the last
// parse when the same message is asked for again.
func (g *IMAP) message(id string) (parsedMessage, error) {
	uid, err := parseUID(id)
	if err != nil {
		return parsedMessage{}, err
	}

	g.mu.Lock()
	if g.cached.uid == uid {
		p := g.cached.parsed
		g.mu.Unlock()
		return p, nil
	}
	g.mu.Unlock()

	c, err := g.connect()
	if err != nil {
		return parsedMessage{}, err
	}
	defer func() { _ = c.Logout().Wait() }()

	section := &imap.FetchItemBodySection{Peek: true}
	fetch := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetch.Close()

	msg := fetch.Next()
	if msg == nil {
		return parsedMessage{}, fmt.Errorf("uid %d: %w", uid, ErrMessageNotFound)
	}
	buf, err := msg.Collect()
	if err != nil {
		return parsedMessage{}, fmt.Errorf("collecting message %d: %w", uid, err)
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return parsedMessage{}, fmt.Errorf("message %d has no body", uid)
	}
	p, err := parseMIME(raw)
	if err != nil {
		return parsedMessage{}, err
	}

	g.mu.Lock()
	g.cached.uid = uid
	g.cached.parsed = p
	g.mu.Unlock()
	return p, nil
}

func (g *IMAP) FetchBody(ctx context.Context, messageID string) (string, error) {
	p, err := g.message(messageID)
	if err != nil {
		return "", err
	}
	return p.body(), nil
}

func (g *IMAP) FetchAttachmentMetadata(ctx context.Context, messageID string) ([]AttachmentMeta, error) {
	p, err := g.message(messageID)
	if err != nil {
		return nil, err
	}
	out := make([]AttachmentMeta, len(p.attachments))
	for i, a := range p.attachments {
		out[i] = a.meta
	}
	return out, nil
}

func (g *IMAP) FetchAttachmentContent(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	p, err := g.message(messageID)
	if err != nil {
		return nil, err
	}
	return p.attachment(attachmentID)
}

func (g *IMAP) MarkRead(ctx context.Context, messageID string) error {
	uid, err := parseUID(messageID)
	if err != nil {
		return err
	}
	c, err := g.connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Logout().Wait() }()

	return c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
}
