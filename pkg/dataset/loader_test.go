package dataset

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"responder/pkg/persistence"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []int64
}

func (r *recordingEnqueuer) Enqueue(emailID int64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, emailID)
}

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing csv: %v", err)
	}
	return path
}

func TestLoadInsertsAndClassifies(t *testing.T) {
	store := newTestStore(t)
	path := writeCSV(t, "sender,subject,body,sent_date\n"+
		"a@example.com,Server down,The whole system is down and this is critical,19-08-2025 00:58\n"+
		"b@example.com,Praise,Thanks for the great service,2025-08-19 10:00:00\n")

	summary, err := Load(store, nil, path, Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if summary.Loaded != 2 || summary.Errors != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	emails, err := store.ListEmails(persistence.EmailFilter{})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(emails) != 2 {
		t.Fatalf("stored %d emails, want 2", len(emails))
	}

	bySender := map[string]*persistence.Email{}
	for _, email := range emails {
		bySender[email.Sender] = email
	}
	down := bySender["a@example.com"]
	if down == nil || down.Priority != "Urgent" {
		t.Errorf("server-down row should be urgent: %+v", down)
	}
	want := time.Date(2025, 8, 19, 0, 58, 0, 0, time.UTC)
	if down != nil && !down.ReceivedAt.Equal(want) {
		t.Errorf("received_at = %v, want %v", down.ReceivedAt, want)
	}
	praise := bySender["b@example.com"]
	if praise == nil || praise.Sentiment != "Positive" {
		t.Errorf("praise row should be positive: %+v", praise)
	}
	if praise != nil && praise.Source != SourceName {
		t.Errorf("source = %q", praise.Source)
	}
}

func TestLoadSkipsIncompleteRows(t *testing.T) {
	store := newTestStore(t)
	path := writeCSV(t, "sender,subject,body\n"+
		"a@example.com,,missing subject\n"+
		"b@example.com,Fine,has everything\n")

	summary, err := Load(store, nil, path, Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if summary.Loaded != 1 || summary.Errors != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestLoadWipeReplacesExisting(t *testing.T) {
	store := newTestStore(t)
	_, err := store.InsertEmail(&persistence.Email{
		Sender: "old@example.com", Subject: "Old", Body: "old row",
		ReceivedAt: time.Now().UTC(), Sentiment: "Neutral", Priority: "Not urgent",
		Status: persistence.StatusPending, Source: "demo",
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	path := writeCSV(t, "sender,subject,body\nnew@example.com,New,new row\n")
	summary, err := Load(store, nil, path, Options{Wipe: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if summary.Wiped != 1 {
		t.Errorf("wiped = %d, want 1", summary.Wiped)
	}

	emails, err := store.ListEmails(persistence.EmailFilter{})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(emails) != 1 || emails[0].Sender != "new@example.com" {
		t.Errorf("wipe did not replace rows: %d stored", len(emails))
	}
}

func TestLoadEnqueuesWhenRequested(t *testing.T) {
	store := newTestStore(t)
	enqueuer := &recordingEnqueuer{}
	path := writeCSV(t, "sender,subject,body\n"+
		"a@example.com,One,first body\n"+
		"b@example.com,Two,second body\n")

	summary, err := Load(store, enqueuer, path, Options{GenerateResponses: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if summary.Loaded != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	enqueuer.mu.Lock()
	defer enqueuer.mu.Unlock()
	if len(enqueuer.calls) != 2 {
		t.Errorf("enqueued %d jobs, want 2", len(enqueuer.calls))
	}
}

func TestLoadMissingColumnFails(t *testing.T) {
	store := newTestStore(t)
	path := writeCSV(t, "sender,subject\na@example.com,No body\n")

	if _, err := Load(store, nil, path, Options{}); err == nil {
		t.Fatal("expected error for missing body column")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	store := newTestStore(t)
	if _, err := Load(store, nil, filepath.Join(t.TempDir(), "nope.csv"), Options{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}
