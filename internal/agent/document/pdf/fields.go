package pdf

import (
	"regexp"
	"strings"
)

var fieldPatterns = map[string]*regexp.Regexp{
	"netPay":   regexp.MustCompile(`(?i)(?:net pay|total neto|l[ií]quido a percibir|neto a percibir)\s*:?\s*([0-9][0-9.,]*)`),
	"grossPay": regexp.MustCompile(`(?i)(?:gross pay|total devengado|salario bruto)\s*:?\s*([0-9][0-9.,]*)`),
	"period":   regexp.MustCompile(`(?i)(?:pay period|per[ií]odo(?: de liquidaci[oó]n)?)\s*:?\s*([^\n]+)`),
	"employee": regexp.MustCompile(`(?i)(?:employee name|employee|trabajador|empleado)\s*:\s*([^\n]+)`),
}

// ExtractFields pulls well-known payslip labels out of plain text. Missing
// labels are simply absent from the map.
func ExtractFields(text string) map[string]string {
	fields := make(map[string]string)
	for name, re := range fieldPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				fields[name] = v
			}
		}
	}
	return fields
}
