package surveillance

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateRepLayout is the day-first layout used by the ECDC surveillance feed.
const DateRepLayout = "02/01/2006"

// CaseRecord is the canonical unit every input shape is normalized into.
// Date is a UTC calendar day. Deaths is nil when the source did not report it.
type CaseRecord struct {
	Entity string    `json:"entity"`
	Date   time.Time `json:"date"`
	Cases  int       `json:"cases"`
	Deaths *int      `json:"deaths,omitempty"`
}

// DeathsReported reports whether the source carried a deaths count.
func (r CaseRecord) DeathsReported() bool { return r.Deaths != nil }

// DeathsOrZero returns the deaths count, or 0 when it was not reported.
func (r CaseRecord) DeathsOrZero() int {
	if r.Deaths == nil {
		return 0
	}
	return *r.Deaths
}

// RawSurveillanceRecord is one row of the ECDC European surveillance feed.
// Only the fields the chart needs are decoded.
type RawSurveillanceRecord struct {
	DateRep                 string     `json:"dateRep"`
	Cases                   FlexNumber `json:"cases"`
	Deaths                  FlexNumber `json:"deaths"`
	CountriesAndTerritories string     `json:"countriesAndTerritories"`
	CountryTerritoryCode    string     `json:"countryterritoryCode,omitempty"`
}

// FlexNumber holds a JSON value that may be encoded either as a number or
// as a numeric string. The literal is kept verbatim and coerced on demand.
type FlexNumber struct {
	raw     string
	present bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*n = FlexNumber{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	*n = FlexNumber{raw: s, present: true}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n FlexNumber) MarshalJSON() ([]byte, error) {
	if !n.present {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseFloat(n.raw, 64); err == nil {
		return []byte(n.raw), nil
	}
	return json.Marshal(n.raw)
}

// Present reports whether the field appeared with a non-null value.
func (n FlexNumber) Present() bool { return n.present }

// Int coerces the value to a non-negative integer. Integral floats such as
// "12.0" are accepted; negative corrections are clamped to zero.
func (n FlexNumber) Int() (int, error) {
	if !n.present || n.raw == "" {
		return 0, fmt.Errorf("missing value")
	}
	f, err := strconv.ParseFloat(n.raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not numeric", n.raw)
	}
	return countFromFloat(f)
}

// MaxCount is the largest daily count accepted.
const MaxCount = math.MaxInt32

// countFromFloat converts a whole number to a count. Negative corrections
// are clamped to zero; values above MaxCount are rejected.
func countFromFloat(f float64) (int, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not a whole number", f)
	}
	if f > MaxCount {
		return 0, fmt.Errorf("%v exceeds the maximum count %d", f, MaxCount)
	}
	if f < 0 {
		return 0, nil
	}
	return int(f), nil
}

// Dataset is an in-memory collection of case records ordered ascending by
// date. It is never mutated after construction.
type Dataset struct {
	Records []CaseRecord
}

// NewDataset copies records into a dataset, sorting them by date while
// preserving the input order of records that share a date.
func NewDataset(records []CaseRecord) *Dataset {
	cp := make([]CaseRecord, len(records))
	copy(cp, records)
	sort.SliceStable(cp, func(i, j int) bool {
		return cp[i].Date.Before(cp[j].Date)
	})
	return &Dataset{Records: cp}
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// Entities returns the sorted, de-duplicated entity identifiers.
func (d *Dataset) Entities() []string {
	if d == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, r := range d.Records {
		if _, ok := seen[r.Entity]; ok {
			continue
		}
		seen[r.Entity] = struct{}{}
		out = append(out, r.Entity)
	}
	sort.Strings(out)
	return out
}

// Extent returns the earliest and latest dates in the dataset.
func (d *Dataset) Extent() (min, max time.Time, ok bool) {
	if d.Len() == 0 {
		return time.Time{}, time.Time{}, false
	}
	return d.Records[0].Date, d.Records[len(d.Records)-1].Date, true
}

// ReferenceYear is the calendar year month filters are applied in: the year
// of the earliest record, or fallback for an empty dataset.
func (d *Dataset) ReferenceYear(fallback int) int {
	min, _, ok := d.Extent()
	if !ok {
		return fallback
	}
	return min.Year()
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, dd := t.Date()
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}
