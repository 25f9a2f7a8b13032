package surveillance

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eurocovid/casechart/internal/platform/fhir"
)

// LOINC codes carried by case report Observations.
const (
	LOINCCaseReport = "94500-6"
	LOINCCases      = "94531-1"
	LOINCDeaths     = "9279-1"
)

// observationDateLayouts are tried in order for effectiveDateTime. The last
// one covers bundles generated straight from dateRep values.
var observationDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	DateRepLayout,
}

// Normalize converts a raw upload or reference payload into canonical
// records, preserving element order.
func Normalize(raw []byte) ([]CaseRecord, error) {
	p, err := DetectShape(raw)
	if err != nil {
		return nil, err
	}
	return NormalizePayload(p)
}

// NormalizePayload maps an already classified payload.
func NormalizePayload(p *Payload) ([]CaseRecord, error) {
	if p == nil || len(p.Elements) == 0 {
		return nil, &FormatError{Reason: "empty payload", Err: ErrNoData}
	}
	switch p.Shape {
	case ShapeSurveillance:
		return normalizeSurveillance(p.Elements)
	case ShapeObservations, ShapeBundle:
		return normalizeObservations(p.Elements)
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("unsupported shape %s", p.Shape)}
	}
}

func normalizeSurveillance(elems []json.RawMessage) ([]CaseRecord, error) {
	out := make([]CaseRecord, 0, len(elems))
	for i, el := range elems {
		var raw RawSurveillanceRecord
		if err := json.Unmarshal(el, &raw); err != nil {
			return nil, &ParseError{Index: i, Field: "record", Value: abbreviate(el), Err: err}
		}
		rec, err := FromSurveillance(raw)
		if err != nil {
			if pe, ok := err.(*ParseError); ok {
				pe.Index = i
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FromSurveillance maps one surveillance row. The returned ParseError has
// Index 0; callers iterating a slice overwrite it.
func FromSurveillance(raw RawSurveillanceRecord) (CaseRecord, error) {
	date, err := time.Parse(DateRepLayout, strings.TrimSpace(raw.DateRep))
	if err != nil {
		return CaseRecord{}, &ParseError{Field: "dateRep", Value: raw.DateRep, Err: err}
	}
	entity := strings.TrimSpace(raw.CountriesAndTerritories)
	if entity == "" {
		return CaseRecord{}, &ParseError{Field: "countriesAndTerritories", Err: fmt.Errorf("missing value")}
	}
	cases, err := raw.Cases.Int()
	if err != nil {
		return CaseRecord{}, &ParseError{Field: "cases", Value: raw.Cases.raw, Err: err}
	}
	rec := CaseRecord{Entity: entity, Date: Day(date), Cases: cases}
	if raw.Deaths.Present() {
		deaths, err := raw.Deaths.Int()
		if err != nil {
			return CaseRecord{}, &ParseError{Field: "deaths", Value: raw.Deaths.raw, Err: err}
		}
		rec.Deaths = &deaths
	}
	return rec, nil
}

func normalizeObservations(elems []json.RawMessage) ([]CaseRecord, error) {
	out := make([]CaseRecord, 0, len(elems))
	for i, el := range elems {
		var obs fhir.Observation
		if err := json.Unmarshal(el, &obs); err != nil {
			return nil, &ParseError{Index: i, Field: "resource", Value: abbreviate(el), Err: err}
		}
		rec, err := FromObservation(&obs)
		if err != nil {
			if pe, ok := err.(*ParseError); ok {
				pe.Index = i
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FromObservation maps one FHIR Observation. Cases come from the cases
// component when present, otherwise from valueQuantity. Deaths are only
// set when a deaths component exists.
func FromObservation(obs *fhir.Observation) (CaseRecord, error) {
	if obs.ResourceType != "Observation" {
		return CaseRecord{}, &ParseError{Field: "resourceType", Value: obs.ResourceType, Err: fmt.Errorf("expected Observation")}
	}
	date, err := parseObservationDate(obs.EffectiveDateTime)
	if err != nil {
		return CaseRecord{}, &ParseError{Field: "effectiveDateTime", Value: obs.EffectiveDateTime, Err: err}
	}

	var ref string
	if obs.Subject != nil {
		ref = obs.Subject.Reference
	}
	entity := EntityFromReference(ref)
	if entity == "" {
		return CaseRecord{}, &ParseError{Field: "subject.reference", Value: ref, Err: fmt.Errorf("missing entity")}
	}

	casesVal, ok := obs.ComponentValue(LOINCCases)
	field := "component.valueQuantity.value"
	if !ok {
		field = "valueQuantity.value"
		if obs.ValueQuantity != nil {
			casesVal = obs.ValueQuantity.Value
		}
	}
	if casesVal == nil {
		return CaseRecord{}, &ParseError{Field: field, Err: fmt.Errorf("missing value")}
	}
	cases, err := quantityInt(*casesVal)
	if err != nil {
		return CaseRecord{}, &ParseError{Field: field, Value: fmt.Sprint(*casesVal), Err: err}
	}

	rec := CaseRecord{Entity: entity, Date: date, Cases: cases}
	if deathsVal, ok := obs.ComponentValue(LOINCDeaths); ok {
		deaths, err := quantityInt(*deathsVal)
		if err != nil {
			return CaseRecord{}, &ParseError{Field: "component.valueQuantity.value", Value: fmt.Sprint(*deathsVal), Err: err}
		}
		rec.Deaths = &deaths
	}
	return rec, nil
}

// EntityFromReference returns the path segment after the last '/' of a
// FHIR reference such as "Country/Germany".
func EntityFromReference(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	return ref
}

func parseObservationDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing value")
	}
	for _, layout := range observationDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}

func quantityInt(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a number")
	}
	return countFromFloat(v)
}

func abbreviate(b []byte) string {
	const max = 64
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
