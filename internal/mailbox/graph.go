package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	graphBaseURL    = "https://graph.microsoft.com/v1.0"
	graphScope      = "https://graph.microsoft.com/.default"
	graphTimeout    = 60 * time.Second
	graphMaxRetries = 3
	graphBackoff    = 500 * time.Millisecond
)

// DefaultGraphFilter selects unread messages.
const DefaultGraphFilter = "isRead eq false"

// GraphConfig configures app-only access to a Microsoft 365 mailbox.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Mailbox      string
}

// Graph reads a mailbox through Microsoft Graph.
type Graph struct {
	baseURL    string
	mailbox    string
	httpClient *http.Client
}

// NewGraph authenticates with the client-credentials flow.
func NewGraph(ctx context.Context, cfg GraphConfig) *Graph {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID)),
		Scopes:       []string{graphScope},
	}
	hc := cc.Client(ctx)
	hc.Timeout = graphTimeout
	return NewGraphWithClient(graphBaseURL, cfg.Mailbox, hc)
}

// NewGraphWithClient uses hc as is against baseURL (for testing).
func NewGraphWithClient(baseURL, mailbox string, hc *http.Client) *Graph {
	return &Graph{baseURL: strings.TrimRight(baseURL, "/"), mailbox: mailbox, httpClient: hc}
}

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID                string         `json:"id"`
	InternetMessageID string         `json:"internetMessageId"`
	ConversationID    string         `json:"conversationId"`
	Subject           string         `json:"subject"`
	ReceivedDateTime  time.Time      `json:"receivedDateTime"`
	From              *graphAddress  `json:"from"`
	Sender            *graphAddress  `json:"sender"`
	ToRecipients      []graphAddress `json:"toRecipients"`
	CcRecipients      []graphAddress `json:"ccRecipients"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphAttachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"isInline"`
}

// graphStatusError is a non-2xx Graph response.
type graphStatusError struct {
	status int
	body   string
}

func (e *graphStatusError) Error() string {
	return fmt.Sprintf("graph: unexpected status %d: %s", e.status, e.body)
}

func (g *Graph) userPath() string {
	return g.baseURL + "/users/" + url.PathEscape(g.mailbox)
}

// do sends a request, retrying on 429 and 503 with backoff. The caller
// closes the returned body.
func (g *Graph) do(ctx context.Context, method, endpoint string, body []byte) (io.ReadCloser, error) {
	var lastErr error
	for attempt := range graphMaxRetries {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("graph request: %w", err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.Body, nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, &AuthError{Provider: "graph", Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, respBody)}
		case http.StatusNotFound:
			return nil, fmt.Errorf("%s: %w", endpoint, ErrMessageNotFound)
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			lastErr = &graphStatusError{status: resp.StatusCode, body: string(respBody)}
			if attempt < graphMaxRetries-1 {
				wait := retryAfter(resp.Header.Get("Retry-After"), attempt)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
			}
			continue
		default:
			return nil, &graphStatusError{status: resp.StatusCode, body: string(respBody)}
		}
	}
	return nil, fmt.Errorf("throttled after %d retries: %w", graphMaxRetries, lastErr)
}

func retryAfter(header string, attempt int) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(float64(graphBackoff) * math.Pow(2, float64(attempt)))
}

func (g *Graph) getJSON(ctx context.Context, endpoint string, v any) error {
	rc, err := g.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("decoding graph response: %w", err)
	}
	return nil
}

func (g *Graph) ListUnread(ctx context.Context, filter string, pageSize int) ([]Message, error) {
	if filter == "" {
		filter = DefaultGraphFilter
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	q := url.Values{}
	q.Set("$filter", filter)
	q.Set("$top", strconv.Itoa(pageSize))
	q.Set("$select", "id,receivedDateTime,subject,from,sender,internetMessageId,conversationId,toRecipients,ccRecipients")

	var resp struct {
		Value []graphMessage `json:"value"`
	}
	if err := g.getJSON(ctx, g.userPath()+"/mailFolders/inbox/messages?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("listing unread messages: %w", err)
	}

	out := make([]Message, 0, len(resp.Value))
	for _, m := range resp.Value {
		msg := Message{
			ID:                m.ID,
			InternetMessageID: m.InternetMessageID,
			ConversationID:    m.ConversationID,
			Subject:           m.Subject,
			ReceivedAt:        m.ReceivedDateTime,
			From:              UnknownSender,
		}
		switch {
		case m.From != nil && m.From.EmailAddress.Address != "":
			msg.From = m.From.EmailAddress.Address
		case m.Sender != nil && m.Sender.EmailAddress.Address != "":
			msg.From = m.Sender.EmailAddress.Address
		}
		for _, a := range m.ToRecipients {
			msg.To = append(msg.To, a.EmailAddress.Address)
		}
		for _, a := range m.CcRecipients {
			msg.Cc = append(msg.Cc, a.EmailAddress.Address)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (g *Graph) FetchBody(ctx context.Context, messageID string) (string, error) {
	var m graphMessage
	if err := g.getJSON(ctx, g.userPath()+"/messages/"+url.PathEscape(messageID)+"?$select=body", &m); err != nil {
		return "", fmt.Errorf("fetching body: %w", err)
	}
	if strings.EqualFold(m.Body.ContentType, "html") {
		return HTMLToText(m.Body.Content), nil
	}
	return strings.TrimSpace(m.Body.Content), nil
}

func (g *Graph) FetchAttachmentMetadata(ctx context.Context, messageID string) ([]AttachmentMeta, error) {
	var resp struct {
		Value []graphAttachment `json:"value"`
	}
	endpoint := g.userPath() + "/messages/" + url.PathEscape(messageID) + "/attachments?$select=id,name,contentType,size,isInline"
	if err := g.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	out := make([]AttachmentMeta, 0, len(resp.Value))
	for _, a := range resp.Value {
		out = append(out, AttachmentMeta{
			ID:          a.ID,
			Filename:    a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
			Inline:      a.IsInline,
		})
	}
	return out, nil
}

func (g *Graph) FetchAttachmentContent(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	endpoint := g.userPath() + "/messages/" + url.PathEscape(messageID) + "/attachments/" + url.PathEscape(attachmentID) + "/$value"
	rc, err := g.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("downloading attachment: %w", err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (g *Graph) MarkRead(ctx context.Context, messageID string) error {
	rc, err := g.do(ctx, http.MethodPatch, g.userPath()+"/messages/"+url.PathEscape(messageID), []byte(`{"isRead":true}`))
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	rc.Close()
	return nil
}
