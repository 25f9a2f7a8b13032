package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/eurocovid/casechart/migrations"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_dataset_load.sql": {Data: []byte("CREATE TABLE dataset_load (id BIGSERIAL);")},
		"001_case_report.sql":  {Data: []byte("CREATE TABLE case_report (id UUID);")},
		"010_later.sql":        {Data: []byte("SELECT 1;")},
		"README.md":            {Data: []byte("notes")},
		"core.sql":             {Data: []byte("no version")},
		"abc_core.sql":         {Data: []byte("bad prefix")},
	}

	got, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(got))
	}
	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if got[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, got[i].Version)
		}
	}
	if got[0].Name != "001_case_report.sql" || !strings.Contains(got[0].SQL, "case_report") {
		t.Errorf("unexpected first migration %+v", got[0])
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := LoadMigrations(fsys); err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	got, err := LoadMigrations(fstest.MapFS{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected none, got %d", len(got))
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := LoadMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) < 1 || got[0].Name != "001_case_report.sql" {
		t.Fatalf("expected embedded case_report migration first, got %+v", got)
	}
	for _, col := range []string{"seq", "entity", "report_date", "cases", "deaths"} {
		if !strings.Contains(got[0].SQL, col) {
			t.Errorf("case_report migration missing column %s", col)
		}
	}
}

func TestStatuses(t *testing.T) {
	at := time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)
	migs := []Migration{{Version: 1, Name: "001_case_report.sql"}, {Version: 2, Name: "002_dataset_load.sql"}}

	got := statuses(migs, map[int]time.Time{1: at})
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if !got[0].Applied || got[0].AppliedAt == nil || !got[0].AppliedAt.Equal(at) {
		t.Errorf("expected first applied at %s, got %+v", at, got[0])
	}
	if got[1].Applied || got[1].AppliedAt != nil {
		t.Errorf("expected second pending, got %+v", got[1])
	}
}

func TestNewMigrator(t *testing.T) {
	m := NewMigrator(nil, migrations.FS)
	if m.fsys == nil {
		t.Error("expected fs to be set")
	}
}
