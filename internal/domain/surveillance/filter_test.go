package surveillance

import (
	"testing"
	"time"
)

func intPtr(i int) *int { return &i }

func sampleDataset() *Dataset {
	return NewDataset([]CaseRecord{
		{Entity: "Germany", Date: date(2020, time.February, 28), Cases: 1},
		{Entity: "Germany", Date: date(2020, time.March, 1), Cases: 12, Deaths: intPtr(0)},
		{Entity: "Germany", Date: date(2020, time.March, 2), Cases: 30, Deaths: intPtr(1)},
		{Entity: "France", Date: date(2020, time.March, 1), Cases: 7},
		{Entity: "Germany", Date: date(2020, time.March, 31), Cases: 40},
		{Entity: "Germany", Date: date(2020, time.April, 1), Cases: 50},
	})
}

func TestFilter_EntityAndMonth(t *testing.T) {
	ds := sampleDataset()
	got := Filter(ds, "Germany", MonthFilter(3), nil, 2020)
	if len(got) != 3 {
		t.Fatalf("expected 3 March records, got %d", len(got))
	}
	want := []int{12, 30, 40}
	for i, r := range got {
		if r.Cases != want[i] {
			t.Errorf("record %d: expected %d cases, got %d", i, want[i], r.Cases)
		}
		if r.Entity != "Germany" {
			t.Errorf("record %d: expected Germany, got %s", i, r.Entity)
		}
	}
}

func TestFilter_Cursor(t *testing.T) {
	ds := sampleDataset()
	cursor := date(2020, time.March, 1)
	got := Filter(ds, "Germany", MonthFilter(3), &cursor, 2020)
	if len(got) != 1 || got[0].Cases != 12 {
		t.Fatalf("expected only the 2020-03-01 record, got %+v", got)
	}
}

func TestFilter_NoEntity(t *testing.T) {
	ds := sampleDataset()
	if got := Filter(ds, "", MonthNone, nil, 2020); len(got) != 0 {
		t.Errorf("expected empty result without entity, got %d", len(got))
	}
	if got := Filter(ds, "Atlantis", MonthNone, nil, 2020); len(got) != 0 {
		t.Errorf("expected empty result for unknown entity, got %d", len(got))
	}
	if got := Filter(nil, "Germany", MonthNone, nil, 2020); got == nil || len(got) != 0 {
		t.Errorf("expected non-nil empty slice for nil dataset, got %v", got)
	}
}

func TestFilter_MonotonicNarrowing(t *testing.T) {
	ds := sampleDataset()
	cursor := date(2020, time.March, 2)

	all := Filter(ds, "Germany", MonthNone, nil, 2020)
	month := Filter(ds, "Germany", MonthFilter(3), nil, 2020)
	cursored := Filter(ds, "Germany", MonthFilter(3), &cursor, 2020)

	if !(len(cursored) <= len(month) && len(month) <= len(all)) {
		t.Errorf("expected narrowing, got %d <= %d <= %d", len(cursored), len(month), len(all))
	}
	for _, r := range cursored {
		if r.Date.After(cursor) {
			t.Errorf("record %s is after cursor", r.Date)
		}
	}
}

func TestFilter_Idempotent(t *testing.T) {
	ds := sampleDataset()
	first := Filter(ds, "Germany", MonthFilter(3), nil, 2020)
	again := Filter(NewDataset(first), "Germany", MonthFilter(3), nil, 2020)
	if len(first) != len(again) {
		t.Fatalf("expected %d records, got %d", len(first), len(again))
	}
	for i := range first {
		if !first[i].Date.Equal(again[i].Date) || first[i].Cases != again[i].Cases {
			t.Errorf("record %d differs: %+v vs %+v", i, first[i], again[i])
		}
	}
}

func TestFilter_DoesNotShareStorage(t *testing.T) {
	ds := sampleDataset()
	got := Filter(ds, "Germany", MonthNone, nil, 2020)
	got[0].Cases = 999
	if ds.Records[0].Cases == 999 {
		t.Error("expected filter result not to alias dataset records")
	}
}

func TestFilter_ReferenceYear(t *testing.T) {
	ds := NewDataset([]CaseRecord{
		{Entity: "Italy", Date: date(2020, time.March, 5), Cases: 1},
		{Entity: "Italy", Date: date(2021, time.March, 5), Cases: 2},
	})
	got := Filter(ds, "Italy", MonthFilter(3), nil, 1999)
	if len(got) != 1 || got[0].Cases != 1 {
		t.Errorf("expected only the 2020 record, got %+v", got)
	}
}

func TestDomain(t *testing.T) {
	ds := sampleDataset()
	min, max, ok := Domain(ds, "Germany", MonthFilter(3), nil, 2020)
	if !ok {
		t.Fatal("expected domain")
	}
	if !min.Equal(date(2020, time.March, 1)) || !max.Equal(date(2020, time.March, 31)) {
		t.Errorf("unexpected domain %s..%s", min, max)
	}

	cursor := date(2020, time.March, 2)
	min2, max2, _ := Domain(ds, "Germany", MonthFilter(3), &cursor, 2020)
	if !min2.Equal(min) {
		t.Errorf("expected cursor not to move left edge, got %s", min2)
	}
	if !max2.Equal(cursor) {
		t.Errorf("expected right edge at cursor, got %s", max2)
	}

	if _, _, ok := Domain(ds, "Atlantis", MonthNone, nil, 2020); ok {
		t.Error("expected no domain for unknown entity")
	}
}

func TestDomain_CursorOutsideData(t *testing.T) {
	ds := sampleDataset()
	min, max, _ := Domain(ds, "Germany", MonthFilter(3), nil, 2020)

	before := date(2020, time.February, 1)
	lo, hi, _ := Domain(ds, "Germany", MonthFilter(3), &before, 2020)
	if !lo.Equal(min) || !hi.Equal(min) {
		t.Errorf("expected collapsed domain at %s, got %s..%s", min, lo, hi)
	}

	after := date(2020, time.December, 31)
	lo, hi, _ = Domain(ds, "Germany", MonthFilter(3), &after, 2020)
	if !lo.Equal(min) || !hi.Equal(max) {
		t.Errorf("expected domain %s..%s, got %s..%s", min, max, lo, hi)
	}
}

func TestSelect_NotFound(t *testing.T) {
	ds := sampleDataset()
	_, err := Select(ds, "France", MonthFilter(5), nil, 2020)
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if err.Error() != "no records for France in May" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestParseMonth(t *testing.T) {
	tests := []struct {
		in      string
		want    MonthFilter
		wantErr bool
	}{
		{"None", MonthNone, false},
		{"", MonthNone, false},
		{"3", MonthFilter(3), false},
		{"12", MonthFilter(12), false},
		{"0", MonthNone, true},
		{"13", MonthNone, true},
		{"March", MonthNone, true},
	}
	for _, tt := range tests {
		got, err := ParseMonth(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMonth(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMonth(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if MonthFilter(3).String() != "March" || MonthNone.String() != "None" {
		t.Error("unexpected month names")
	}
}

func TestDataset_Basics(t *testing.T) {
	ds := sampleDataset()
	ents := ds.Entities()
	if len(ents) != 2 || ents[0] != "France" || ents[1] != "Germany" {
		t.Errorf("unexpected entities %v", ents)
	}
	min, max, ok := ds.Extent()
	if !ok || !min.Equal(date(2020, time.February, 28)) || !max.Equal(date(2020, time.April, 1)) {
		t.Errorf("unexpected extent %s..%s", min, max)
	}
	if ds.ReferenceYear(1999) != 2020 {
		t.Errorf("expected reference year 2020, got %d", ds.ReferenceYear(1999))
	}
	var empty *Dataset
	if empty.ReferenceYear(2020) != 2020 {
		t.Error("expected fallback year for empty dataset")
	}
}
