// Package fetch discovers inbound support messages and feeds them into the
// pipeline. A Source pulls raw messages from somewhere external; the Poller
// runs sources on an interval, dedupes, classifies, persists, and enqueues.
package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Inbound is one raw message pulled from a source, not yet persisted.
type Inbound struct {
	ReceivedAt time.Time
	Sender     string
	Subject    string
	Body       string
	ExternalID string
}

// Source pulls up to limit raw messages from an external mailbox or sink.
type Source interface {
	// Fetch returns at most limit messages, oldest first. An empty slice
	// with a nil error means the source had nothing new.
	Fetch(ctx context.Context, limit int) ([]Inbound, error)
	Name() string
}

// DemoSource never returns messages. It keeps the poller loop alive without
// touching anything external, for local development and tests.
type DemoSource struct{}

func (DemoSource) Fetch(_ context.Context, _ int) ([]Inbound, error) { return nil, nil }
func (DemoSource) Name() string { return "demo" }

// MaildirSource reads .eml files from a drop directory. The filename is the
// external id, so a file already ingested is skipped by the poller's dedupe
// rather than re-read state kept here.
type MaildirSource struct {
	dir string
}

// NewMaildirSource reads messages from dir. The directory may not exist yet;
// Fetch treats that as an empty mailbox.
func NewMaildirSource(dir string) *MaildirSource {
	return &MaildirSource{dir: dir}
}

func (s *MaildirSource) Name() string { return "maildir" }

func (s *MaildirSource) Fetch(ctx context.Context, limit int) ([]Inbound, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading maildir %s: %w", s.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".eml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[len(names)-limit:]
	}

	messages := make([]Inbound, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return messages, err
		}
		msg, err := s.readMessage(filepath.Join(s.dir, name))
		if err != nil {
			// A malformed file must not wedge the whole cycle.
			continue
		}
		msg.ExternalID = name
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *MaildirSource) readMessage(path string) (Inbound, error) {
	f, err := os.Open(path)
	if err != nil {
		return Inbound{}, err
	}
	defer f.Close()

	msg, err := mail.ReadMessage(f)
	if err != nil {
		return Inbound{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	received := time.Now().UTC()
	if parsed, err := msg.Header.Date(); err == nil {
		received = parsed.UTC()
	}

	body, err := extractBody(msg)
	if err != nil {
		return Inbound{}, err
	}

	return Inbound{
		Sender:     decodeHeader(msg.Header.Get("From")),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		Body:       strings.TrimSpace(body),
		ReceivedAt: received,
	}, nil
}

// extractBody collects the text/plain content of a message, walking one
// level of multipart if needed.
func extractBody(msg *mail.Message) (string, error) {
	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		data, err := io.ReadAll(decodeTransfer(msg.Body, msg.Header.Get("Content-Transfer-Encoding")))
		return string(data), err
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(decodeTransfer(msg.Body, msg.Header.Get("Content-Transfer-Encoding")))
		return string(data), err
	}

	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("multipart message without boundary")
	}

	var text strings.Builder
	reader := multipart.NewReader(msg.Body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return text.String(), nil
		}
		partType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil || partType != "text/plain" {
			continue
		}
		if strings.Contains(part.Header.Get("Content-Disposition"), "attachment") {
			continue
		}
		data, err := io.ReadAll(decodeTransfer(part, part.Header.Get("Content-Transfer-Encoding")))
		if err != nil {
			continue
		}
		text.Write(data)
	}
	return text.String(), nil
}

func decodeTransfer(r io.Reader, encoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

func decodeHeader(value string) string {
	decoder := mime.WordDecoder{}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
