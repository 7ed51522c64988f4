package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEmail(sender, subject string, at time.Time) *Email {
	return &Email{
		Sender:     sender,
		Subject:    subject,
		Body:       "body text",
		ReceivedAt: at,
		Sentiment:  "Neutral",
		Priority:   "Not urgent",
		Source:     "demo",
	}
}

func TestInsertAndGetEmail(t *testing.T) {
	store := newTestStore(t)
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	id, err := store.InsertEmail(testEmail("a@example.com", "Login issue", at))
	if err != nil {
		t.Fatalf("InsertEmail failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	got, err := store.GetEmail(id)
	if err != nil {
		t.Fatalf("GetEmail failed: %v", err)
	}
	if got.Sender != "a@example.com" || got.Status != StatusPending {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.AutoResponse != nil {
		t.Error("new message should have no auto response")
	}
	if !got.ReceivedAt.Equal(at) {
		t.Errorf("received_at = %v, want %v", got.ReceivedAt, at)
	}
}

func TestGetEmailNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetEmail(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetAutoResponseAdvancesStatus(t *testing.T) {
	store := newTestStore(t)
	id, _ := store.InsertEmail(testEmail("a@example.com", "Help", time.Now().UTC()))

	has, err := store.HasAutoResponse(id)
	if err != nil || has {
		t.Fatalf("HasAutoResponse = %v, %v; want false, nil", has, err)
	}

	if err := store.SetAutoResponse(id, "Hello, we are on it."); err != nil {
		t.Fatalf("SetAutoResponse failed: %v", err)
	}

	got, _ := store.GetEmail(id)
	if got.Status != StatusResponded {
		t.Errorf("status = %q, want responded", got.Status)
	}
	if got.AutoResponse == nil || *got.AutoResponse != "Hello, we are on it." {
		t.Errorf("auto_response = %v", got.AutoResponse)
	}

	has, _ = store.HasAutoResponse(id)
	if !has {
		t.Error("HasAutoResponse should be true after SetAutoResponse")
	}
}

func TestApproveAndMarkSent(t *testing.T) {
	store := newTestStore(t)
	id, _ := store.InsertEmail(testEmail("a@example.com", "Help", time.Now().UTC()))
	_ = store.SetAutoResponse(id, "drafted")

	now := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	if err := store.Approve(id, now); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := store.MarkSent(id, now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}

	got, _ := store.GetEmail(id)
	if got.ApprovedAt == nil || !got.ApprovedAt.Equal(now) {
		t.Errorf("approved_at = %v", got.ApprovedAt)
	}
	if got.SentAt == nil || got.Status != StatusResolved {
		t.Errorf("sent_at = %v, status = %q", got.SentAt, got.Status)
	}
}

func TestDedupe(t *testing.T) {
	store := newTestStore(t)
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	email := testEmail("a@example.com", "Duplicate", at)
	extID := "uid-42"
	email.ExternalID = &extID
	if _, err := store.InsertEmail(email); err != nil {
		t.Fatalf("InsertEmail failed: %v", err)
	}

	if ok, _ := store.ExistsExternal("demo", "uid-42"); !ok {
		t.Error("ExistsExternal should find stored external id")
	}
	if ok, _ := store.ExistsExternal("demo", "uid-43"); ok {
		t.Error("ExistsExternal false positive")
	}
	if ok, _ := store.Exists("a@example.com", "Duplicate", at); !ok {
		t.Error("Exists should find matching triple")
	}
	if ok, _ := store.Exists("a@example.com", "Duplicate", at.Add(time.Second)); ok {
		t.Error("Exists false positive on different timestamp")
	}

	// unique index rejects an exact duplicate triple
	if _, err := store.InsertEmail(testEmail("a@example.com", "Duplicate", at)); err == nil {
		t.Error("expected unique constraint violation")
	}
}

func TestListEmailsFilters(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	urgent := testEmail("urgent@example.com", "Server down", base)
	urgent.Priority = "Urgent"
	urgent.Sentiment = "Negative"
	_, _ = store.InsertEmail(urgent)

	later := testEmail("calm@example.com", "Invoice copy", base.Add(time.Hour))
	_, _ = store.InsertEmail(later)

	all, err := store.ListEmails(EmailFilter{})
	if err != nil {
		t.Fatalf("ListEmails failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d rows, want 2", len(all))
	}
	if all[0].Sender != "calm@example.com" {
		t.Error("expected newest first")
	}

	urgentOnly, _ := store.ListEmails(EmailFilter{Priority: "Urgent"})
	if len(urgentOnly) != 1 || urgentOnly[0].Sender != "urgent@example.com" {
		t.Errorf("priority filter returned %v", urgentOnly)
	}

	searched, _ := store.ListEmails(EmailFilter{Search: "Invoice"})
	if len(searched) != 1 || searched[0].Subject != "Invoice copy" {
		t.Errorf("search filter returned %v", searched)
	}

	limited, _ := store.ListEmails(EmailFilter{Limit: 1, Offset: 1})
	if len(limited) != 1 || limited[0].Sender != "urgent@example.com" {
		t.Errorf("limit/offset returned %v", limited)
	}
}

func TestPendingWithoutResponse(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first, _ := store.InsertEmail(testEmail("a@example.com", "First", base))
	second, _ := store.InsertEmail(testEmail("b@example.com", "Second", base.Add(time.Minute)))
	_ = store.SetAutoResponse(second, "done")

	pending, err := store.PendingWithoutResponse(0)
	if err != nil {
		t.Fatalf("PendingWithoutResponse failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first {
		t.Errorf("pending = %v", pending)
	}
}

func TestCounts(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	_, _ = store.InsertEmail(testEmail("a@example.com", "One", base))
	id2, _ := store.InsertEmail(testEmail("b@example.com", "Two", base.Add(time.Minute)))
	_ = store.SetAutoResponse(id2, "reply")

	counts, err := store.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts.Pending != 1 || counts.Responded != 1 || counts.Total != 2 {
		t.Errorf("counts = %+v", counts)
	}

	bySource, err := store.CountByField("source")
	if err != nil {
		t.Fatalf("CountByField failed: %v", err)
	}
	if bySource["demo"] != 2 {
		t.Errorf("source counts = %v", bySource)
	}

	if _, err := store.CountByField("status; DROP TABLE emails"); err == nil {
		t.Error("expected rejection of unsupported field")
	}
}
