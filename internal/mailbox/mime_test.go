package mailbox

import (
	"errors"
	"strings"
	"testing"
)

const multipartMessage = "From: Alice <alice@example.com>\r\n" +
	"To: ops@example.com\r\n" +
	"Subject: Shipment docs\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=inner\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>HTML body</p>\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain body\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--outer\r\n" +
	"Content-Type: text/csv\r\n" +
	"Content-Disposition: attachment; filename=\"lines.csv\"\r\n" +
	"\r\n" +
	"a,b\r\n" +
	"--outer--\r\n"

func TestParseMIME(t *testing.T) {
	p, err := parseMIME([]byte(multipartMessage))
	if err != nil {
		t.Fatalf("parseMIME: %v", err)
	}

	if got := p.body(); got != "Plain body" {
		t.Errorf("body = %q, want %q", got, "Plain body")
	}
	if len(p.attachments) != 2 {
		t.Fatalf("got %d attachments, want 2", len(p.attachments))
	}

	first := p.attachments[0].meta
	if first.ID != "1" || first.Filename != "invoice.pdf" || first.ContentType != "application/pdf" {
		t.Errorf("first attachment = %+v", first)
	}
	if string(p.attachments[0].data) != "%PDF-1.4" {
		t.Errorf("first attachment data = %q", p.attachments[0].data)
	}
	if p.attachments[1].meta.ID != "2" || p.attachments[1].meta.Filename != "lines.csv" {
		t.Errorf("second attachment = %+v", p.attachments[1].meta)
	}

	data, err := p.attachment("2")
	if err != nil {
		t.Fatalf("attachment(2): %v", err)
	}
	if !strings.HasPrefix(string(data), "a,b") {
		t.Errorf("attachment(2) = %q", data)
	}
	if _, err := p.attachment("9"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("attachment(9) error = %v, want ErrMessageNotFound", err)
	}
}

func TestParseMIMEHTMLOnly(t *testing.T) {
	raw := "From: bob@example.com\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<div>Only <i>html</i></div>\r\n"

	p, err := parseMIME([]byte(raw))
	if err != nil {
		t.Fatalf("parseMIME: %v", err)
	}
	if got := p.body(); got != "Only html" {
		t.Errorf("body = %q, want %q", got, "Only html")
	}
}

func TestNormalizeMessageID(t *testing.T) {
	cases := map[string]string{
		"abc@example.com":   "<abc@example.com>",
		"<abc@example.com>": "<abc@example.com>",
		"  ":                "",
	}
	for in, want := range cases {
		if got := normalizeMessageID(in); got != want {
			t.Errorf("normalizeMessageID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAuthError(t *testing.T) {
	err := error(&AuthError{Provider: "imap", Message: "bad password"})
	wrapped := errors.Join(errors.New("poll"), err)
	if !IsAuthError(wrapped) {
		t.Error("IsAuthError should see a wrapped AuthError")
	}
	if IsAuthError(errors.New("other")) {
		t.Error("IsAuthError matched a plain error")
	}
}
