package surveillance

import (
	"strings"

	"github.com/biter777/countries"
)

// DisplayName turns an entity identifier into a label. Feed identifiers
// such as "United_Kingdom" get spaces; ISO 3166 alpha-3 codes, which the
// generated FHIR samples reference as "Country/ALB", resolve to the country
// name.
func DisplayName(entity string) string {
	if isAlpha3(entity) {
		if cc := countries.ByName(entity); cc != countries.Unknown && cc.IsValid() {
			return cc.String()
		}
	}
	return strings.ReplaceAll(entity, "_", " ")
}

func isAlpha3(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
