package surveillance

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/eurocovid/casechart/internal/platform/fhir"
)

const (
	loincSystem = "http://loinc.org"
	ucumSystem  = "http://unitsofmeasure.org"
)

// ToObservation maps a case record to a final case report Observation with
// one component for cases and, when reported, one for deaths.
func ToObservation(r CaseRecord) *fhir.Observation {
	date := r.Date.Format("2006-01-02")
	cases := float64(r.Cases)
	obs := &fhir.Observation{
		ResourceType: "Observation",
		ID:           fmt.Sprintf("observation-%s-%s", r.Entity, date),
		Status:       "final",
		Code: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: loincSystem, Code: LOINCCaseReport, Display: "COVID-19 case report"}},
		},
		Subject:           &fhir.Reference{Reference: fhir.FormatReference("Country", r.Entity)},
		EffectiveDateTime: date,
		Component: []fhir.ObservationComponent{
			countComponent(LOINCCases, "Number of COVID-19 cases", cases),
		},
	}
	if r.Deaths != nil {
		obs.Component = append(obs.Component, countComponent(LOINCDeaths, "Number of deaths", float64(*r.Deaths)))
	}
	return obs
}

func countComponent(code, display string, v float64) fhir.ObservationComponent {
	return fhir.ObservationComponent{
		Code: fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: loincSystem, Code: code, Display: display}},
		},
		ValueQuantity: &fhir.Quantity{Value: &v, Unit: "count", System: ucumSystem, Code: "count"},
	}
}

// BuildBundle wraps records in a FHIR collection Bundle. Entry fullUrls are
// name-based UUIDs, so the same record always gets the same fullUrl.
func BuildBundle(records []CaseRecord) (*fhir.Bundle, error) {
	resources := make([]interface{}, len(records))
	urls := make([]string, len(records))
	for i, r := range records {
		obs := ToObservation(r)
		resources[i] = obs
		urls[i] = "urn:uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(obs.ID)).String()
	}
	b, err := fhir.NewCollectionBundle(resources, urls)
	if err != nil {
		return nil, fmt.Errorf("build bundle: %w", err)
	}
	return b, nil
}

// BundleFromPayload normalizes raw and converts the result to a Bundle.
func BundleFromPayload(raw []byte) (*fhir.Bundle, []CaseRecord, error) {
	records, err := Normalize(raw)
	if err != nil {
		return nil, nil, err
	}
	b, err := BuildBundle(records)
	if err != nil {
		return nil, nil, err
	}
	return b, records, nil
}
