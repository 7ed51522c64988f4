// Package dataset bulk-loads support messages from a CSV file into the
// store, optionally replacing existing rows and queuing response jobs.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"responder/pkg/classify"
	"responder/pkg/logx"
	"responder/pkg/persistence"
)

// SourceName marks dataset-loaded rows in the store.
const SourceName = "dataset"

//nolint:gochecknoglobals // accepted input formats
var dateFormats = []string{
	"02-01-2006 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// Enqueuer hands a loaded message to the dispatch worker.
type Enqueuer interface {
	Enqueue(emailID int64, priority string)
}

// Options control a load run.
type Options struct {
	// GenerateResponses queues a generation job for every loaded row.
	GenerateResponses bool
	// Wipe deletes existing rows before loading.
	Wipe bool
}

// Summary reports what a load run did.
type Summary struct {
	Path   string `json:"path"`
	Loaded int    `json:"loaded"`
	Errors int    `json:"errors"`
	Wiped  int64  `json:"wiped"`
}

// Load reads a CSV with header columns sender, subject, body, and an
// optional date column (sent_date, date, or received_at). Extra columns are
// ignored; rows missing a required field count as errors and are skipped.
func Load(store *persistence.Store, enqueuer Enqueuer, path string, opts Options) (Summary, error) {
	summary := Summary{Path: path}
	logger := logx.NewLogger("dataset")

	f, err := os.Open(path)
	if err != nil {
		return summary, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return summary, fmt.Errorf("reading dataset header: %w", err)
	}
	columns := indexColumns(header)
	for _, required := range []string{"sender", "subject", "body"} {
		if _, ok := columns[required]; !ok {
			return summary, fmt.Errorf("dataset missing required column %q", required)
		}
	}

	if opts.Wipe {
		wiped, err := store.DeleteAllEmails()
		if err != nil {
			return summary, err
		}
		summary.Wiped = wiped
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			summary.Errors++
			continue
		}

		sender := strings.TrimSpace(field(record, columns, "sender"))
		subject := strings.TrimSpace(field(record, columns, "subject"))
		body := strings.TrimSpace(field(record, columns, "body"))
		if sender == "" || subject == "" || body == "" {
			summary.Errors++
			continue
		}

		priority := classify.Priority(body)
		email := &persistence.Email{
			Sender:     sender,
			Subject:    subject,
			Body:       body,
			ReceivedAt: parseDate(dateField(record, columns)),
			Sentiment:  classify.Sentiment(body),
			Priority:   priority,
			Status:     persistence.StatusPending,
			Source:     SourceName,
		}
		id, err := store.InsertEmail(email)
		if err != nil {
			summary.Errors++
			continue
		}
		if opts.GenerateResponses && enqueuer != nil {
			enqueuer.Enqueue(id, priority)
		}
		summary.Loaded++
	}

	logger.Info("Dataset loaded: path=%s loaded=%d errors=%d wiped=%d",
		path, summary.Loaded, summary.Errors, summary.Wiped)
	return summary, nil
}

func indexColumns(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return columns
}

func field(record []string, columns map[string]int, name string) string {
	idx, ok := columns[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func dateField(record []string, columns map[string]int) string {
	for _, name := range []string{"sent_date", "date", "received_at"} {
		if value := field(record, columns, name); value != "" {
			return value
		}
	}
	return ""
}

// parseDate tries the accepted formats, treating naive timestamps as UTC.
// Unparsable input falls back to now.
func parseDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC()
	}
	for _, format := range dateFormats {
		if parsed, err := time.Parse(format, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}
