package mailbox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestGraph(t *testing.T, h http.HandlerFunc) *Graph {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGraphWithClient(srv.URL, "ops@example.com", srv.Client())
}

func TestGraphListUnread(t *testing.T) {
	g := newTestGraph(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/ops@example.com/mailFolders/inbox/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("$filter"); got != DefaultGraphFilter {
			t.Errorf("$filter = %q", got)
		}
		if got := r.URL.Query().Get("$top"); got != "10" {
			t.Errorf("$top = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"value":[
			{"id":"m1","internetMessageId":"<one@x>","conversationId":"c1","subject":"Docs",
			 "receivedDateTime":"2026-03-01T10:00:00Z",
			 "from":{"emailAddress":{"address":"alice@example.com"}},
			 "toRecipients":[{"emailAddress":{"address":"ops@example.com"}}],
			 "ccRecipients":[{"emailAddress":{"address":"boss@example.com"}}]},
			{"id":"m2","internetMessageId":"<two@x>","subject":"No sender",
			 "receivedDateTime":"2026-03-01T11:00:00Z"}
		]}`)
	})

	msgs, err := g.ListUnread(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("ListUnread: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	m := msgs[0]
	if m.ID != "m1" || m.InternetMessageID != "<one@x>" || m.From != "alice@example.com" || m.ConversationID != "c1" {
		t.Errorf("first message = %+v", m)
	}
	if len(m.To) != 1 || m.To[0] != "ops@example.com" || len(m.Cc) != 1 || m.Cc[0] != "boss@example.com" {
		t.Errorf("recipients = %v / %v", m.To, m.Cc)
	}
	if msgs[1].From != UnknownSender {
		t.Errorf("missing sender = %q, want %q", msgs[1].From, UnknownSender)
	}
}

func TestGraphFetchBodyHTML(t *testing.T) {
	g := newTestGraph(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"body":{"contentType":"html","content":"<p>Hello</p><p>there</p>"}}`)
	})
	body, err := g.FetchBody(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchBody: %v", err)
	}
	if body != "Hello\n\nthere" {
		t.Errorf("body = %q", body)
	}
}

func TestGraphAttachments(t *testing.T) {
	g := newTestGraph(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/attachments"):
			io.WriteString(w, `{"value":[{"id":"a1","name":"invoice.pdf","contentType":"application/pdf","size":8,"isInline":false}]}`)
		case strings.HasSuffix(r.URL.Path, "/attachments/a1/$value"):
			io.WriteString(w, "%PDF-1.4")
		default:
			http.NotFound(w, r)
		}
	})

	metas, err := g.FetchAttachmentMetadata(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchAttachmentMetadata: %v", err)
	}
	if len(metas) != 1 || metas[0].Filename != "invoice.pdf" || metas[0].Size != 8 {
		t.Fatalf("metas = %+v", metas)
	}

	data, err := g.FetchAttachmentContent(context.Background(), "m1", "a1")
	if err != nil {
		t.Fatalf("FetchAttachmentContent: %v", err)
	}
	if string(data) != "%PDF-1.4" {
		t.Errorf("content = %q", data)
	}

	if _, err := g.FetchAttachmentContent(context.Background(), "m1", "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("missing attachment error = %v, want ErrMessageNotFound", err)
	}
}

func TestGraphMarkRead(t *testing.T) {
	var got string
	g := newTestGraph(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{}`)
	})
	if err := g.MarkRead(context.Background(), "m1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got != `{"isRead":true}` {
		t.Errorf("patch body = %s", got)
	}
}

func TestGraphAuthError(t *testing.T) {
	g := newTestGraph(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"InvalidAuthenticationToken"}}`, http.StatusUnauthorized)
	})
	_, err := g.ListUnread(context.Background(), "", 5)
	if !IsAuthError(err) {
		t.Fatalf("error = %v, want AuthError", err)
	}
}

func TestGraphRetriesThrottle(t *testing.T) {
	var calls atomic.Int32
	g := newTestGraph(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"value":[]}`)
	})
	msgs, err := g.ListUnread(context.Background(), "", 5)
	if err != nil {
		t.Fatalf("ListUnread: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages", len(msgs))
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}
