package surveillance

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/eurocovid/casechart/internal/platform/fhir"
)

// Shape identifies which input format a payload carries.
type Shape int

const (
	// ShapeSurveillance is a JSON array of RawSurveillanceRecord.
	ShapeSurveillance Shape = iota + 1
	// ShapeObservations is a JSON array of FHIR Observation resources.
	ShapeObservations
	// ShapeBundle is a FHIR Bundle whose entries hold Observations.
	ShapeBundle
)

func (s Shape) String() string {
	switch s {
	case ShapeSurveillance:
		return "surveillance"
	case ShapeObservations:
		return "fhir-observations"
	case ShapeBundle:
		return "fhir-bundle"
	default:
		return "unknown"
	}
}

// Payload is the result of shape detection: the discriminator plus the
// individual elements still in raw form.
type Payload struct {
	Shape    Shape
	Elements []json.RawMessage
}

type resourceProbe struct {
	ResourceType string `json:"resourceType"`
}

// DetectShape classifies raw. It fails with ParseError when raw is not JSON
// and with FormatError when the JSON is neither an array nor a FHIR Bundle,
// or carries no elements.
func DetectShape(raw []byte) (*Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &FormatError{Reason: "empty payload", Err: ErrNoData}
	}
	if !json.Valid(trimmed) {
		var probe interface{}
		err := json.Unmarshal(trimmed, &probe)
		if err == nil {
			err = fmt.Errorf("invalid JSON")
		}
		return nil, &ParseError{Index: -1, Err: err}
	}

	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, &ParseError{Index: -1, Err: err}
		}
		if len(elems) == 0 {
			return nil, &FormatError{Reason: "empty array", Err: ErrNoData}
		}
		var first resourceProbe
		if err := json.Unmarshal(elems[0], &first); err == nil && first.ResourceType == "Observation" {
			return &Payload{Shape: ShapeObservations, Elements: elems}, nil
		}
		return &Payload{Shape: ShapeSurveillance, Elements: elems}, nil

	case '{':
		var probe resourceProbe
		if err := json.Unmarshal(trimmed, &probe); err != nil || probe.ResourceType != "Bundle" {
			return nil, &FormatError{Reason: "expected an array of records or a FHIR Bundle"}
		}
		var bundle fhir.Bundle
		if err := json.Unmarshal(trimmed, &bundle); err != nil {
			return nil, &ParseError{Index: -1, Err: err}
		}
		var elems []json.RawMessage
		for _, res := range bundle.Resources() {
			var rp resourceProbe
			if err := json.Unmarshal(res, &rp); err == nil && rp.ResourceType == "Observation" {
				elems = append(elems, res)
			}
		}
		if len(elems) == 0 {
			return nil, &FormatError{Reason: "bundle has no Observation entries", Err: ErrNoData}
		}
		return &Payload{Shape: ShapeBundle, Elements: elems}, nil

	default:
		return nil, &FormatError{Reason: "payload is not an array"}
	}
}
