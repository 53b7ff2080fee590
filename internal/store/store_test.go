package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/SevakBot/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every Store implementation that can run without external services.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
	if dsn, ok := syscall.Getenv("DATABASE_URL"); ok && dsn != "" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err == nil {
			for _, table := range []string{"bot_users", "complaints", "schemes", "events", "voters", "non_voters", "polls", "inbound_dedup"} {
				pg.db.Exec("DELETE FROM " + table)
			}
			t.Cleanup(func() { pg.Close() })
			out["postgres"] = pg
		}
	}
	return out
}

func TestStore_UserLanguage(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			lang, err := s.GetUserLanguage(ctx, "919800000001")
			if err != nil {
				t.Fatalf("GetUserLanguage failed: %v", err)
			}
			if lang != "" {
				t.Fatalf("expected no language for new user, got %q", lang)
			}

			if err := s.SetUser(ctx, "919800000001", "Asha", models.LangMarathi); err != nil {
				t.Fatalf("SetUser failed: %v", err)
			}
			if err := s.SetUser(ctx, "919800000001", "", models.LangHindi); err != nil {
				t.Fatalf("SetUser update failed: %v", err)
			}
			lang, err = s.GetUserLanguage(ctx, "919800000001")
			if err != nil {
				t.Fatalf("GetUserLanguage failed: %v", err)
			}
			if lang != models.LangHindi {
				t.Errorf("expected language hi, got %q", lang)
			}
		})
	}
}

func TestStore_Complaints(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.SaveComplaint(ctx, models.Complaint{
				TenantID: "ward-12",
				UserID:   "919800000002",
				UserName: "Ravi",
				Problem:  "Streetlight broken near temple",
			})
			if err != nil {
				t.Fatalf("SaveComplaint failed: %v", err)
			}
			if id <= 0 {
				t.Fatalf("expected positive ticket id, got %d", id)
			}

			if _, err := s.SaveComplaint(ctx, models.Complaint{TenantID: "ward-12", UserID: "x"}); !errors.Is(err, models.ErrEmptyComplaintText) {
				t.Errorf("expected ErrEmptyComplaintText, got %v", err)
			}

			list, err := s.ListComplaints(ctx, "ward-12")
			if err != nil {
				t.Fatalf("ListComplaints failed: %v", err)
			}
			if len(list) != 1 {
				t.Fatalf("expected 1 complaint, got %d", len(list))
			}
			c := list[0]
			if c.Status != models.ComplaintStatusPending || c.Source != models.ComplaintSourceWhatsApp {
				t.Errorf("unexpected defaults: status=%q source=%q", c.Status, c.Source)
			}
			if c.UserName != "Ravi" {
				t.Errorf("expected user name Ravi, got %q", c.UserName)
			}

			other, err := s.ListComplaints(ctx, "ward-99")
			if err != nil {
				t.Fatalf("ListComplaints failed: %v", err)
			}
			if len(other) != 0 {
				t.Errorf("complaints leaked across tenants: %d", len(other))
			}
		})
	}
}

func TestStore_LetterRequests(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.SaveLetterRequest(ctx, models.LetterRequest{
				TenantID: "ward-12",
				UserID:   "919800000002",
				Type:     models.LetterNOC,
				Name:     "Ravi Kulkarni",
			})
			if err != nil {
				t.Fatalf("SaveLetterRequest failed: %v", err)
			}
			if id <= 0 {
				t.Fatalf("expected positive reference, got %d", id)
			}

			if _, err := s.SaveLetterRequest(ctx, models.LetterRequest{TenantID: "ward-12", UserID: "x", Type: "Passport", Name: "Ravi"}); !errors.Is(err, models.ErrUnknownLetterType) {
				t.Errorf("expected ErrUnknownLetterType, got %v", err)
			}
			if _, err := s.SaveLetterRequest(ctx, models.LetterRequest{TenantID: "ward-12", UserID: "x", Type: models.LetterCharacter}); !errors.Is(err, models.ErrEmptyLetterName) {
				t.Errorf("expected ErrEmptyLetterName, got %v", err)
			}

			list, err := s.ListLetterRequests(ctx, "ward-12")
			if err != nil {
				t.Fatalf("ListLetterRequests failed: %v", err)
			}
			if len(list) != 1 {
				t.Fatalf("expected 1 letter request, got %d", len(list))
			}
			l := list[0]
			if l.Type != models.LetterNOC || l.Name != "Ravi Kulkarni" || l.Status != models.ComplaintStatusPending || l.CreatedAt.IsZero() {
				t.Errorf("unexpected letter request: %+v", l)
			}

			other, err := s.ListLetterRequests(ctx, "ward-99")
			if err != nil {
				t.Fatalf("ListLetterRequests failed: %v", err)
			}
			if len(other) != 0 {
				t.Errorf("letter requests leaked across tenants: %d", len(other))
			}
		})
	}
}

func TestStore_SchemesAndEvents(t *testing.T) {
	ctx := context.Background()
	today := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.AddScheme(ctx, models.Scheme{TenantID: "ward-12", Title: "Ladki Bahin", Description: "Monthly support"}); err != nil {
				t.Fatalf("AddScheme failed: %v", err)
			}
			schemes, err := s.ListSchemes(ctx, "ward-12")
			if err != nil {
				t.Fatalf("ListSchemes failed: %v", err)
			}
			if len(schemes) != 1 || schemes[0].Title != "Ladki Bahin" {
				t.Fatalf("unexpected schemes: %+v", schemes)
			}

			events := []models.Event{
				{ID: "ev-past", TenantID: "ward-12", Title: "Past", Date: "2026-03-01"},
				{ID: "ev-late", TenantID: "ward-12", Title: "Late", Date: "2026-04-01", Time: "10:00"},
				{ID: "ev-soon", TenantID: "ward-12", Title: "Soon", Date: "2026-03-10", Time: "18:00"},
				{ID: "ev-other", TenantID: "ward-7", Title: "Other", Date: "2026-03-12"},
			}
			for _, e := range events {
				if err := s.SaveEvent(ctx, e); err != nil {
					t.Fatalf("SaveEvent failed: %v", err)
				}
			}

			upcoming, err := s.ListUpcomingEvents(ctx, "ward-12", today, 10)
			if err != nil {
				t.Fatalf("ListUpcomingEvents failed: %v", err)
			}
			if len(upcoming) != 2 || upcoming[0].ID != "ev-soon" || upcoming[1].ID != "ev-late" {
				t.Fatalf("unexpected upcoming events: %+v", upcoming)
			}

			e, err := s.GetEventContent(ctx, "ward-12", "ev-late")
			if err != nil {
				t.Fatalf("GetEventContent failed: %v", err)
			}
			if e.Title != "Late" || e.Time != "10:00" {
				t.Errorf("unexpected event: %+v", e)
			}

			if _, err := s.GetEventContent(ctx, "ward-12", "ev-other"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for another tenant's event, got %v", err)
			}
		})
	}
}

func TestStore_EventRecipients(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.AddContacts(ctx, "ward-12", ListVoters, []models.Contact{
				{Address: "9876543210", Name: "A"},
				{Address: "919876543211", Name: "B"},
			}); err != nil {
				t.Fatalf("AddContacts voters failed: %v", err)
			}
			if err := s.AddContacts(ctx, "ward-12", ListNonVoters, []models.Contact{
				{Address: "9876543210", Name: "A again"},
			}); err != nil {
				t.Fatalf("AddContacts non-voters failed: %v", err)
			}
			if err := s.AddContacts(ctx, "ward-12", ContactList("bogus"), nil); err == nil {
				t.Error("expected error for unknown list")
			}

			primary, secondary, err := s.GetEventRecipients(ctx, "ward-12", "ev-1")
			if err != nil {
				t.Fatalf("GetEventRecipients failed: %v", err)
			}
			if len(primary) != 2 || primary[0].Name != "A" {
				t.Errorf("unexpected primary list: %+v", primary)
			}
			if len(secondary) != 1 || secondary[0].Address != "9876543210" {
				t.Errorf("unexpected secondary list: %+v", secondary)
			}
		})
	}
}

func TestStore_Polls(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			p := models.Poll{
				MessageID: "3EB0POLL",
				TenantID:  "ward-12",
				Question:  "Choose your language",
				Options:   []string{"English", "मराठी (Marathi)", "हिंदी (Hindi)"},
			}
			if err := s.SavePoll(ctx, p); err != nil {
				t.Fatalf("SavePoll failed: %v", err)
			}
			got, err := s.GetPoll(ctx, "3EB0POLL")
			if err != nil {
				t.Fatalf("GetPoll failed: %v", err)
			}
			if len(got.Options) != 3 || got.Options[1] != "मराठी (Marathi)" {
				t.Errorf("options not preserved in order: %v", got.Options)
			}
			if _, err := s.GetPoll(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_DedupRepo(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			inserted, err := s.RecordInbound(ctx, "ward-12:ABC", "919800000003")
			if err != nil {
				t.Fatalf("RecordInbound failed: %v", err)
			}
			if !inserted {
				t.Fatal("expected first RecordInbound to insert")
			}
			inserted, err = s.RecordInbound(ctx, "ward-12:ABC", "919800000003")
			if err != nil {
				t.Fatalf("RecordInbound failed: %v", err)
			}
			if inserted {
				t.Error("expected second RecordInbound to report duplicate")
			}

			if err := s.MarkProcessed(ctx, "ward-12:ABC"); err != nil {
				t.Errorf("MarkProcessed failed: %v", err)
			}
			inserted, err = s.RecordInbound(ctx, "ward-12:ABC", "919800000003")
			if err != nil || inserted {
				t.Errorf("expected processed message to stay recorded, inserted=%v err=%v", inserted, err)
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://user:pw@localhost/db", DSNTypePostgres},
		{"postgresql://localhost/db", DSNTypePostgres},
		{"host=localhost dbname=sevak sslmode=disable", DSNTypePostgres},
		{"/var/lib/sevakbot/sevakbot.db", DSNTypeSQLite},
		{"file:test.db?_foreign_keys=on", DSNTypeSQLite},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestRebindPostgres(t *testing.T) {
	got := rebindPostgres(`SELECT a FROM t WHERE x = ? AND y = ? LIMIT ?`)
	want := `SELECT a FROM t WHERE x = $1 AND y = $2 LIMIT $3`
	if got != want {
		t.Errorf("rebindPostgres = %q, want %q", got, want)
	}
}
