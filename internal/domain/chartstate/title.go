package chartstate

import (
	"fmt"

	"github.com/eurocovid/casechart/internal/domain/surveillance"
)

// Title builds the chart heading, e.g.
// "Total Number of Covid cases in Germany in March 2020".
func Title(entity string, month surveillance.MonthFilter, year int) string {
	if entity == "" {
		return ""
	}
	name := surveillance.DisplayName(entity)
	if month == surveillance.MonthNone {
		return fmt.Sprintf("Total Number of Covid cases in %s in %d", name, year)
	}
	return fmt.Sprintf("Total Number of Covid cases in %s in %s %d", name, month, year)
}
