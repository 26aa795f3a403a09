// Package layout extracts per-page line text and style from stored attachments.
package layout

import (
	"context"
	"errors"
	"fmt"
)

// Line is one line of text on a page. Bold is set when a bold style span
// overlaps the line.
type Line struct {
	Text string `json:"text"`
	Bold bool   `json:"bold,omitempty"`
}

// Page holds the lines of one page in reading order. Number is 1-based.
type Page struct {
	Number int    `json:"number"`
	Lines  []Line `json:"lines"`
}

// Document is the result of analysing one file.
type Document struct {
	Pages []Page `json:"pages"`
}

// Provider analyses the document reachable at sourceURL.
type Provider interface {
	AnalyzeDocument(ctx context.Context, sourceURL string) (*Document, error)
}

// ContentError reports a corrupted or unsupported file. Retrying the same
// content will not succeed.
type ContentError struct {
	Reason string
	Err    error
}

func (e *ContentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unsupported content: %s: %v", e.Reason, e.Err)
	}
	return "unsupported content: " + e.Reason
}

func (e *ContentError) Unwrap() error { return e.Err }

// IsContentError reports whether err is or wraps a *ContentError.
func IsContentError(err error) bool {
	var ce *ContentError
	return errors.As(err, &ce)
}
