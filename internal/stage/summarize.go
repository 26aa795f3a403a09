package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nv-mldev/email-agent/internal/pipeline"
)

// Language is the natural-language provider used for summaries and
// identifier extraction.
type Language interface {
	Summarize(ctx context.Context, text string) (string, error)
	ExtractIdentifier(ctx context.Context, text string, hints []string) (string, bool, error)
}

// Summarizer derives the summary and business identifier of a record.
type Summarizer struct {
	lang    Language
	enabled bool
	hints   []string
}

// NewSummarizer returns a Summarizer. When enabled is false it produces
// nothing and never calls lang.
func NewSummarizer(lang Language, enabled bool, hints []string) *Summarizer {
	return &Summarizer{lang: lang, enabled: enabled && lang != nil, hints: hints}
}

// Summarize returns the summary and, when one is found, the business id.
// The two provider calls are independent: a failed one does not stop the
// other, and whatever succeeded is returned alongside the joined error.
func (s *Summarizer) Summarize(ctx context.Context, rec pipeline.Record) (summary, businessID string, err error) {
	if s == nil || !s.enabled {
		return "", "", nil
	}
	text := emailText(rec)

	summary, serr := s.lang.Summarize(ctx, text)
	if serr != nil {
		serr = fmt.Errorf("summary: %w", serr)
	}
	id, found, xerr := s.lang.ExtractIdentifier(ctx, text, s.hints)
	if xerr != nil {
		xerr = fmt.Errorf("identifier: %w", xerr)
	} else if found {
		businessID = id
	}
	return summary, businessID, errors.Join(serr, xerr)
}

func emailText(rec pipeline.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Email Subject: %s\nFrom: %s\n", rec.Subject, rec.Sender)
	if names := attachmentNames(rec.Attachments); names != "" {
		fmt.Fprintf(&b, "Attachments: %s\n", names)
	}
	b.WriteString("\nEmail Content:\n")
	b.WriteString(rec.Body)
	return b.String()
}

func attachmentNames(atts []pipeline.Attachment) string {
	names := make([]string, 0, len(atts))
	for _, a := range atts {
		names = append(names, a.OriginalFilename)
	}
	return strings.Join(names, ", ")
}
