package stage

import (
	"path/filepath"
	"strings"
)

// DefaultAttachmentPolicy accepts PDF, Excel and Word files.
func DefaultAttachmentPolicy() AttachmentPolicy {
	return AttachmentPolicy{
		".pdf":  true,
		".xlsx": true,
		".xls":  true,
		".xlsm": true,
		".xlsb": true,
		".docx": true,
		".doc":  true,

		"application/pdf":          true,
		"application/vnd.ms-excel": true,
		"application/msword":       true,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	}
}

// NewAttachmentPolicy accepts the given extensions (with or without the dot)
// and content types.
func NewAttachmentPolicy(extensions, contentTypes []string) AttachmentPolicy {
	p := make(AttachmentPolicy, len(extensions)+len(contentTypes))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		p[e] = true
	}
	for _, ct := range contentTypes {
		if ct = strings.ToLower(strings.TrimSpace(ct)); ct != "" {
			p[ct] = true
		}
	}
	return p
}

// AttachmentPolicy maps lower-case file extensions (with the dot) and content
// types to whether such attachments are processed. The extension entry wins
// when both are present; anything unlisted is skipped.
type AttachmentPolicy map[string]bool

// Allowed reports whether an attachment should be stored and analysed.
func (p AttachmentPolicy) Allowed(filename, contentType string) bool {
	if strings.TrimSpace(filename) == "" {
		return false
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if ok, listed := p[ext]; listed {
			return ok
		}
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return p[ct]
}
