package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RecipientRole says how the monitored mailbox was addressed on an email.
type RecipientRole string

const (
	RoleTo      RecipientRole = "TO"
	RoleCC      RecipientRole = "CC"
	RoleUnknown RecipientRole = "UNKNOWN"
)

// RoleOf determines the role of mailbox among the To and Cc recipients.
// Addresses compare case-insensitively.
func RoleOf(mailbox string, to, cc []string) RecipientRole {
	mailbox = strings.ToLower(strings.TrimSpace(mailbox))
	if mailbox == "" {
		return RoleUnknown
	}
	for _, a := range to {
		if strings.ToLower(strings.TrimSpace(a)) == mailbox {
			return RoleTo
		}
	}
	for _, a := range cc {
		if strings.ToLower(strings.TrimSpace(a)) == mailbox {
			return RoleCC
		}
	}
	return RoleUnknown
}

// Document types that are not produced by title matching.
const (
	DocUnknown        = "unknown"
	DocFailedAnalysis = "failed_analysis"
)

// IdentifiedDocument is one labelled page range inside an attachment.
type IdentifiedDocument struct {
	DocType    string  `json:"doc_type"`
	Confidence float64 `json:"confidence"`
	StartPage  int     `json:"start_page"`
	EndPage    int     `json:"end_page"`
	Error      string  `json:"error,omitempty"`
}

// FailedAnalysis builds the pseudo-document recorded for an attachment whose
// content could not be analysed.
func FailedAnalysis(err error) IdentifiedDocument {
	return IdentifiedDocument{DocType: DocFailedAnalysis, Error: err.Error()}
}

// Attachment is a stored attachment of an email. An empty StoragePath means
// the bytes were never uploaded and Error says why.
type Attachment struct {
	OriginalFilename    string               `json:"original_filename"`
	StoragePath         string               `json:"storage_path,omitempty"`
	ContentType         string               `json:"content_type,omitempty"`
	Size                int64                `json:"size"`
	Error               string               `json:"error,omitempty"`
	IdentifiedDocuments []IdentifiedDocument `json:"identified_documents,omitempty"`
}

// Record is the persisted processing state of one inbound email.
type Record struct {
	ID                int64         `json:"id"`
	InternetMessageID string        `json:"internet_message_id"`
	MailboxMessageID  string        `json:"mailbox_message_id"`
	ConversationID    string        `json:"conversation_id,omitempty"`
	Sender            string        `json:"sender"`
	Subject           string        `json:"subject"`
	Body              string        `json:"body,omitempty"`
	Role              RecipientRole `json:"role"`
	Attachments       []Attachment  `json:"attachments"`
	Summary           string        `json:"summary,omitempty"`
	// SummaryError is set when the language provider failed; the rest of
	// the analysis is kept.
	SummaryError      string        `json:"summary_error,omitempty"`
	BusinessID        string        `json:"business_id,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	ProjectName       string        `json:"project_name,omitempty"`
	IsNewEnquiry      *bool         `json:"is_new_enquiry,omitempty"`
	ConfirmedAt       *time.Time    `json:"confirmed_at,omitempty"`
	Status            Status        `json:"status"`
	ReceivedAt        time.Time     `json:"received_at"`
	StatusUpdatedAt   time.Time     `json:"status_updated_at"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Job is the queue payload handed between stages. It identifies a record and
// never carries its content.
type Job struct {
	RecordID         int64  `json:"record_id"`
	MailboxMessageID string `json:"mailbox_message_id"`
}

// JobFor builds the job message for r.
func JobFor(r Record) Job {
	return Job{RecordID: r.ID, MailboxMessageID: r.MailboxMessageID}
}

// DecodeJob parses a job payload.
func DecodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decoding job: %w", err)
	}
	if j.RecordID <= 0 {
		return Job{}, fmt.Errorf("decoding job: missing record_id")
	}
	return j, nil
}

// Notification event types.
const (
	EventEmailReceived    = "EMAIL_RECEIVED"
	EventEmailParsed      = "EMAIL_PARSED"
	EventAnalysisComplete = "ANALYSIS_COMPLETE"
	EventEmailConfirmed   = "EMAIL_CONFIRMED"
	EventProcessingFailed = "PROCESSING_FAILED"
	EventEmailRedriven    = "EMAIL_REDRIVEN"
)

// Event is a fan-out notification. Events are observational; the record is
// the source of truth.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RecordEvent is the payload carried by every record event.
type RecordEvent struct {
	RecordID          int64  `json:"record_id"`
	InternetMessageID string `json:"internet_message_id"`
	Subject           string `json:"subject"`
	Sender            string `json:"sender"`
	Status            Status `json:"status"`
	Summary           string `json:"summary,omitempty"`
	SummaryError      string `json:"summary_error,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// NewRecordEvent builds an event of type typ describing r.
func NewRecordEvent(typ string, r Record) Event {
	payload, _ := json.Marshal(RecordEvent{
		RecordID:          r.ID,
		InternetMessageID: r.InternetMessageID,
		Subject:           r.Subject,
		Sender:            r.Sender,
		Status:            r.Status,
		Summary:           r.Summary,
		SummaryError:      r.SummaryError,
		ErrorMessage:      r.ErrorMessage,
	})
	return Event{Type: typ, Payload: payload}
}
