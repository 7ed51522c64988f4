package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message not found")

const emailColumns = `id, sender, subject, body, received_at, sentiment, priority,
	auto_response, status, approved_at, sent_at, source, external_id`

// InsertEmail stores a new message and returns its assigned id. The dedupe
// unique index on (sender, subject, received_at) makes duplicate inserts fail;
// callers should check Exists first or treat constraint errors as duplicates.
func (s *Store) InsertEmail(email *Email) (int64, error) {
	if email.Status == "" {
		email.Status = StatusPending
	}
	if email.Source == "" {
		email.Source = "unknown"
	}

	result, err := s.db.Exec(`
		INSERT INTO emails (sender, subject, body, received_at, sentiment, priority,
			auto_response, status, approved_at, sent_at, source, external_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		email.Sender, email.Subject, email.Body, email.ReceivedAt.UTC(),
		email.Sentiment, email.Priority, email.AutoResponse, email.Status,
		email.ApprovedAt, email.SentAt, email.Source, email.ExternalID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message from %s: %w", email.Sender, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	email.ID = id
	return id, nil
}

// GetEmail loads one message by id.
func (s *Store) GetEmail(id int64) (*Email, error) {
	row := s.db.QueryRow(`SELECT `+emailColumns+` FROM emails WHERE id = ?`, id)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", id, err)
	}
	return email, nil
}

// ListEmails returns messages matching the filter, newest received first.
func (s *Store) ListEmails(filter EmailFilter) ([]*Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails`
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, filter.Priority)
	}
	if filter.Sentiment != "" {
		conds = append(conds, "sentiment = ?")
		args = append(args, filter.Sentiment)
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Search != "" {
		conds = append(conds, "(sender LIKE ? OR subject LIKE ? OR body LIKE ?)")
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY received_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var emails []*Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return emails, nil
}

// HasAutoResponse reports whether a message already carries a generated reply.
func (s *Store) HasAutoResponse(id int64) (bool, error) {
	var has bool
	err := s.db.QueryRow(
		`SELECT auto_response IS NOT NULL AND auto_response != '' FROM emails WHERE id = ?`, id,
	).Scan(&has)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to check response for message %d: %w", id, err)
	}
	return has, nil
}

// SetAutoResponse records a generated reply and advances the message to the
// responded state.
func (s *Store) SetAutoResponse(id int64, response string) error {
	result, err := s.db.Exec(
		`UPDATE emails SET auto_response = ?, status = ? WHERE id = ?`,
		response, StatusResponded, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set response for message %d: %w", id, err)
	}
	return checkAffected(result, id)
}

// UpdateAutoResponse replaces the stored reply text without touching status.
// Used when an operator edits the draft before approval.
func (s *Store) UpdateAutoResponse(id int64, response string) error {
	result, err := s.db.Exec(`UPDATE emails SET auto_response = ? WHERE id = ?`, response, id)
	if err != nil {
		return fmt.Errorf("failed to update response for message %d: %w", id, err)
	}
	return checkAffected(result, id)
}

// Approve stamps approved_at on a responded message.
func (s *Store) Approve(id int64, at time.Time) error {
	result, err := s.db.Exec(`UPDATE emails SET approved_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to approve message %d: %w", id, err)
	}
	return checkAffected(result, id)
}

// MarkSent stamps sent_at and moves the message to resolved.
func (s *Store) MarkSent(id int64, at time.Time) error {
	result, err := s.db.Exec(
		`UPDATE emails SET sent_at = ?, status = ? WHERE id = ?`,
		at.UTC(), StatusResolved, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message %d sent: %w", id, err)
	}
	return checkAffected(result, id)
}

// UpdateStatus sets an explicit pipeline state.
func (s *Store) UpdateStatus(id int64, status string) error {
	switch status {
	case StatusPending, StatusResponded, StatusResolved:
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	result, err := s.db.Exec(`UPDATE emails SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update status for message %d: %w", id, err)
	}
	return checkAffected(result, id)
}

// ExistsExternal reports whether a message with the given source and external
// id is already stored.
func (s *Store) ExistsExternal(source, externalID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM emails WHERE source = ? AND external_id = ?`,
		source, externalID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed external-id dedupe check: %w", err)
	}
	return n > 0, nil
}

// Exists reports whether a message with the same sender, subject, and
// received timestamp is already stored. Fallback dedupe for sources without
// external ids.
func (s *Store) Exists(sender, subject string, receivedAt time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM emails WHERE sender = ? AND subject = ? AND received_at = ?`,
		sender, subject, receivedAt.UTC(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed dedupe check: %w", err)
	}
	return n > 0, nil
}

// PendingWithoutResponse returns ids of messages still awaiting a reply,
// oldest first. Used to rebuild the queue after a restart.
func (s *Store) PendingWithoutResponse(limit int) ([]*Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails
		WHERE status = ? AND (auto_response IS NULL OR auto_response = '')
		ORDER BY received_at ASC`
	args := []any{StatusPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var emails []*Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending row: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending rows: %w", err)
	}
	return emails, nil
}

// DeleteAllEmails wipes the emails table. Used by the dataset loader when
// replacing the corpus.
func (s *Store) DeleteAllEmails() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM emails`)
	if err != nil {
		return 0, fmt.Errorf("failed to wipe emails: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read wipe count: %w", err)
	}
	return affected, nil
}

// CountByStatus aggregates messages per pipeline state.
func (s *Store) CountByStatus() (StatusCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(1) FROM emails GROUP BY status`)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("failed to count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch status {
		case StatusPending:
			counts.Pending = n
		case StatusResponded:
			counts.Responded = n
		case StatusResolved:
			counts.Resolved = n
		}
		counts.Total += n
	}
	if err := rows.Err(); err != nil {
		return StatusCounts{}, fmt.Errorf("failed to iterate status counts: %w", err)
	}
	return counts, nil
}

// CountByField aggregates messages on one of the indexed label columns
// (sentiment, priority, source).
func (s *Store) CountByField(field string) (map[string]int, error) {
	switch field {
	case "sentiment", "priority", "source":
	default:
		return nil, fmt.Errorf("unsupported aggregation field %q", field)
	}

	rows, err := s.db.Query(fmt.Sprintf(`SELECT %s, COUNT(1) FROM emails GROUP BY %s`, field, field))
	if err != nil {
		return nil, fmt.Errorf("failed to count by %s: %w", field, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("failed to scan %s count: %w", field, err)
		}
		counts[label] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s counts: %w", field, err)
	}
	return counts, nil
}

// CountReceivedSince returns how many messages arrived at or after cutoff.
func (s *Store) CountReceivedSince(cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM emails WHERE received_at >= ?`, cutoff.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent messages: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner) (*Email, error) {
	var email Email
	var autoResponse, externalID sql.NullString
	var approvedAt, sentAt sql.NullTime

	err := row.Scan(
		&email.ID, &email.Sender, &email.Subject, &email.Body, &email.ReceivedAt,
		&email.Sentiment, &email.Priority, &autoResponse, &email.Status,
		&approvedAt, &sentAt, &email.Source, &externalID,
	)
	if err != nil {
		return nil, err
	}
	if autoResponse.Valid {
		email.AutoResponse = &autoResponse.String
	}
	if externalID.Valid {
		email.ExternalID = &externalID.String
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		email.ApprovedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		email.SentAt = &t
	}
	return &email, nil
}

func checkAffected(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}
