package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nv-mldev/email-agent/internal/pipeline"
)

const recordColumns = `id, internet_message_id, mailbox_message_id, conversation_id, sender, subject, body,
	role, attachments, summary, summary_error, business_id, error_message, project_name, is_new_enquiry, confirmed_at,
	status, received_at, status_updated_at, created_at`

type recordRow struct {
	ID                int64          `db:"id"`
	InternetMessageID string         `db:"internet_message_id"`
	MailboxMessageID  string         `db:"mailbox_message_id"`
	ConversationID    string         `db:"conversation_id"`
	Sender            string         `db:"sender"`
	Subject           string         `db:"subject"`
	Body              string         `db:"body"`
	Role              string         `db:"role"`
	Attachments       string         `db:"attachments"`
	Summary           string         `db:"summary"`
	SummaryError      string         `db:"summary_error"`
	BusinessID        string         `db:"business_id"`
	ErrorMessage      string         `db:"error_message"`
	ProjectName       string         `db:"project_name"`
	IsNewEnquiry      sql.NullBool   `db:"is_new_enquiry"`
	ConfirmedAt       sql.NullString `db:"confirmed_at"`
	Status            string         `db:"status"`
	ReceivedAt        string         `db:"received_at"`
	StatusUpdatedAt   string         `db:"status_updated_at"`
	CreatedAt         string         `db:"created_at"`
}

func (r recordRow) toRecord() (pipeline.Record, error) {
	rec := pipeline.Record{
		ID:                r.ID,
		InternetMessageID: r.InternetMessageID,
		MailboxMessageID:  r.MailboxMessageID,
		ConversationID:    r.ConversationID,
		Sender:            r.Sender,
		Subject:           r.Subject,
		Body:              r.Body,
		Role:              pipeline.RecipientRole(r.Role),
		Summary:           r.Summary,
		SummaryError:      r.SummaryError,
		BusinessID:        r.BusinessID,
		ErrorMessage:      r.ErrorMessage,
		ProjectName:       r.ProjectName,
		Status:            pipeline.Status(r.Status),
	}
	if r.Attachments != "" {
		if err := json.Unmarshal([]byte(r.Attachments), &rec.Attachments); err != nil {
			return pipeline.Record{}, fmt.Errorf("decoding attachments of record %d: %w", r.ID, err)
		}
	}
	if r.IsNewEnquiry.Valid {
		v := r.IsNewEnquiry.Bool
		rec.IsNewEnquiry = &v
	}
	if r.ConfirmedAt.Valid && r.ConfirmedAt.String != "" {
		t, err := parseTime(r.ConfirmedAt.String)
		if err != nil {
			return pipeline.Record{}, fmt.Errorf("parsing confirmed_at: %w", err)
		}
		rec.ConfirmedAt = &t
	}

	var err error
	if rec.ReceivedAt, err = parseTime(r.ReceivedAt); err != nil {
		return pipeline.Record{}, fmt.Errorf("parsing received_at: %w", err)
	}
	if rec.StatusUpdatedAt, err = parseTime(r.StatusUpdatedAt); err != nil {
		return pipeline.Record{}, fmt.Errorf("parsing status_updated_at: %w", err)
	}
	if rec.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return pipeline.Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return rec, nil
}

func encodeAttachments(atts []pipeline.Attachment) (string, error) {
	if atts == nil {
		atts = []pipeline.Attachment{}
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("encoding attachments: %w", err)
	}
	return string(b), nil
}

// CreateIfAbsent inserts rec in RECEIVED status unless a record with the same
// internet message id exists. The check and the insert are one statement, so
// concurrent poll cycles cannot both create. It returns the stored record and
// whether this call created it.
func (s *Store) CreateIfAbsent(ctx context.Context, rec pipeline.Record) (pipeline.Record, bool, error) {
	if rec.InternetMessageID == "" {
		return pipeline.Record{}, false, fmt.Errorf("creating record: empty internet message id")
	}
	atts, err := encodeAttachments(rec.Attachments)
	if err != nil {
		return pipeline.Record{}, false, err
	}
	now := s.now().UTC()
	received := rec.ReceivedAt
	if received.IsZero() {
		received = now
	}
	role := rec.Role
	if role == "" {
		role = pipeline.RoleUnknown
	}

	var id int64
	err = s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO email_records (internet_message_id, mailbox_message_id, conversation_id, sender, subject, body,
			role, attachments, status, received_at, status_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (internet_message_id) DO NOTHING
		RETURNING id`),
		rec.InternetMessageID, rec.MailboxMessageID, rec.ConversationID, rec.Sender, rec.Subject, rec.Body,
		string(role), atts, string(pipeline.StatusReceived), formatTime(received), formatTime(now), formatTime(now),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := s.GetByMessageID(ctx, rec.InternetMessageID)
		if gerr != nil {
			return pipeline.Record{}, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return pipeline.Record{}, false, fmt.Errorf("inserting record: %w", err)
	}

	created, err := s.Get(ctx, id)
	if err != nil {
		return pipeline.Record{}, false, err
	}
	return created, true, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id int64) (pipeline.Record, error) {
	return s.getOne(ctx, s.db, "SELECT "+recordColumns+" FROM email_records WHERE id = ?", id)
}

// GetByMessageID returns the record for an internet message id.
func (s *Store) GetByMessageID(ctx context.Context, internetMessageID string) (pipeline.Record, error) {
	return s.getOne(ctx, s.db, "SELECT "+recordColumns+" FROM email_records WHERE internet_message_id = ?", internetMessageID)
}

func (s *Store) getOne(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (pipeline.Record, error) {
	var row recordRow
	err := sqlx.GetContext(ctx, q, &row, s.q(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Record{}, ErrNotFound
	}
	if err != nil {
		return pipeline.Record{}, err
	}
	return row.toRecord()
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]pipeline.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + recordColumns + " FROM email_records"
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]pipeline.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[pipeline.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS n FROM email_records GROUP BY status"); err != nil {
		return nil, err
	}
	out := make(map[pipeline.Status]int, len(rows))
	for _, r := range rows {
		out[pipeline.Status(r.Status)] = r.N
	}
	return out, nil
}

// Claim moves record id to the in-progress status to, reading and writing it
// in one transaction. It fails with ErrStatusConflict when the record's
// current status has no edge to to.
func (s *Store) Claim(ctx context.Context, id int64, to pipeline.Status) (pipeline.Record, error) {
	return s.Update(ctx, id, func(r *pipeline.Record) error {
		if !pipeline.CanTransition(r.Status, to) {
			return fmt.Errorf("%w: record %d is %s, cannot move to %s", ErrStatusConflict, id, r.Status, to)
		}
		r.Status = to
		r.ErrorMessage = ""
		return nil
	})
}

// Fail records a stage failure.
func (s *Store) Fail(ctx context.Context, id int64, status pipeline.Status, msg string) (pipeline.Record, error) {
	if !status.Failed() {
		return pipeline.Record{}, fmt.Errorf("%s is not a failure status", status)
	}
	return s.Update(ctx, id, func(r *pipeline.Record) error {
		r.Status = status
		r.ErrorMessage = msg
		return nil
	})
}

// Update applies fn to record id inside one transaction and writes the
// result back. fn must not block on I/O. A status change must be an edge of
// the processing graph or an operator re-drive edge.
func (s *Store) Update(ctx context.Context, id int64, fn func(*pipeline.Record) error) (pipeline.Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return pipeline.Record{}, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.getOne(ctx, tx, "SELECT "+recordColumns+" FROM email_records WHERE id = ?"+s.forUpdate(), id)
	if err != nil {
		return pipeline.Record{}, err
	}
	prev := rec.Status
	if err := fn(&rec); err != nil {
		return pipeline.Record{}, err
	}
	if rec.Status != prev && !allowedChange(prev, rec.Status) {
		return pipeline.Record{}, fmt.Errorf("%w: record %d %s -> %s", pipeline.ErrInvalidTransition, id, prev, rec.Status)
	}

	now := s.now().UTC()
	if rec.Status != prev {
		rec.StatusUpdatedAt = now
	}
	atts, err := encodeAttachments(rec.Attachments)
	if err != nil {
		return pipeline.Record{}, err
	}
	var isNew sql.NullBool
	if rec.IsNewEnquiry != nil {
		isNew = sql.NullBool{Bool: *rec.IsNewEnquiry, Valid: true}
	}
	var confirmedAt sql.NullString
	if rec.ConfirmedAt != nil {
		confirmedAt = sql.NullString{String: formatTime(*rec.ConfirmedAt), Valid: true}
	}

	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE email_records SET
			mailbox_message_id = ?, conversation_id = ?, sender = ?, subject = ?, body = ?, role = ?,
			attachments = ?, summary = ?, summary_error = ?, business_id = ?, error_message = ?, project_name = ?,
			is_new_enquiry = ?, confirmed_at = ?, status = ?, status_updated_at = ?
		WHERE id = ?`),
		rec.MailboxMessageID, rec.ConversationID, rec.Sender, rec.Subject, rec.Body, string(rec.Role),
		atts, rec.Summary, rec.SummaryError, rec.BusinessID, rec.ErrorMessage, rec.ProjectName,
		isNew, confirmedAt, string(rec.Status), formatTime(rec.StatusUpdatedAt), id,
	)
	if err != nil {
		return pipeline.Record{}, fmt.Errorf("updating record %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return pipeline.Record{}, fmt.Errorf("committing record %d: %w", id, err)
	}
	return rec, nil
}

func allowedChange(from, to pipeline.Status) bool {
	if pipeline.CanTransition(from, to) {
		return true
	}
	target, ok := pipeline.RedriveTarget(from)
	return ok && target == to
}

// DeleteIfStatus removes record id when it is still in status. It reports
// whether a row was removed.
func (s *Store) DeleteIfStatus(ctx context.Context, id int64, status pipeline.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM email_records WHERE id = ? AND status = ?"), id, string(status))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
