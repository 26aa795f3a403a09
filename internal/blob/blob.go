// Package blob stores attachment bytes and hands out time-limited read URLs
// for them.
package blob

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"
	"time"
)

// Store persists attachment content.
type Store interface {
	// Put writes data at p, replacing any existing object, and returns the
	// storage path to record.
	Put(ctx context.Context, p string, data []byte) (string, error)
	// ReadURL returns a URL that grants read access to p for ttl.
	ReadURL(ctx context.Context, p string, ttl time.Duration) (string, error)
}

// ErrNotFound is returned for a path with no stored object.
var ErrNotFound = errors.New("blob not found")

var (
	unsafeChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Sanitize makes s usable as a single path segment.
func Sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = whitespace.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// AttachmentPath derives the storage path sender/internetMessageId/filename,
// each segment sanitised.
func AttachmentPath(sender, internetMessageID, filename string) string {
	return path.Join(
		segment(sender, "unknown-sender"),
		segment(internetMessageID, "unknown-message"),
		segment(filename, "attachment"),
	)
}

func segment(s, fallback string) string {
	s = Sanitize(s)
	if s == "" || s == "." || s == ".." {
		return fallback
	}
	return s
}
