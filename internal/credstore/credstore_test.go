package credstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateTenantID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ward-12", true},
		{"NagarSevak_7", true},
		{"a", true},
		{"", false},
		{"../etc", false},
		{"-leading", false},
		{"has space", false},
		{"with/slash", false},
	}
	for _, tt := range tests {
		err := ValidateTenantID(tt.id)
		if tt.valid && err != nil {
			t.Errorf("ValidateTenantID(%q) unexpected error: %v", tt.id, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidTenantID) {
			t.Errorf("ValidateTenantID(%q) = %v, want ErrInvalidTenantID", tt.id, err)
		}
	}
}

func TestStoreOpenListPurge(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	if s.Exists("ward-12") {
		t.Fatal("credentials reported before first open")
	}

	device, err := s.Open(ctx, "ward-12")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if device.ID != nil {
		t.Errorf("fresh device should not be paired, got %v", device.ID)
	}
	if !s.Exists("ward-12") {
		t.Fatal("credential file not created by Open")
	}

	paired, err := s.Paired(ctx, "ward-12")
	if err != nil {
		t.Fatalf("Paired failed: %v", err)
	}
	if paired {
		t.Error("fresh device reported as paired")
	}

	if _, err := s.Open(ctx, "ward-7"); err != nil {
		t.Fatalf("Open second tenant failed: %v", err)
	}
	ids, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "ward-12" || ids[1] != "ward-7" {
		t.Errorf("unexpected tenant list: %v", ids)
	}

	if err := s.Purge("ward-12"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if s.Exists("ward-12") {
		t.Error("credentials still present after purge")
	}
	if _, err := os.Stat(filepath.Dir(s.Path("ward-12"))); !os.IsNotExist(err) {
		t.Errorf("tenant directory not removed: %v", err)
	}
}

func TestStoreRejectsInvalidTenant(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Open(context.Background(), "../escape"); !errors.Is(err, ErrInvalidTenantID) {
		t.Errorf("expected ErrInvalidTenantID, got %v", err)
	}
	if err := s.Purge("../escape"); !errors.Is(err, ErrInvalidTenantID) {
		t.Errorf("expected ErrInvalidTenantID from Purge, got %v", err)
	}
}
