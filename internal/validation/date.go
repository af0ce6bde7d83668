package validation

import (
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/drfirst/go-pafill/internal/domain/form"
)

const (
	minYear = 1900
	maxYear = 2100
)

var layoutTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MM", "01",
	"DD", "02",
	"M", "1",
	"D", "2",
)

// Layout converts a form date format such as MM/DD/YYYY to a Go layout.
func Layout(format string) string {
	if strings.TrimSpace(format) == "" {
		format = form.DefaultDateFormat
	}
	return layoutTokens.Replace(strings.ToUpper(format))
}

var (
	digitRuns  = regexp.MustCompile(`\d+`)
	clockTime  = regexp.MustCompile(`\d{1,2}:\d{2}`)
	monthNames = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\b`)
)

// namesDay reports whether v spells out a full calendar day. The parser
// fills a missing day or month with 1, so "1962" and "March 1962" must be
// caught before parsing.
func namesDay(v string) bool {
	if loc := clockTime.FindStringIndex(v); loc != nil {
		v = v[:loc[0]]
	}
	runs := digitRuns.FindAllString(v, -1)
	if len(runs) == 1 && len(runs[0]) >= 6 {
		return true
	}
	need := 3
	if monthNames.MatchString(v) {
		need = 2
	}
	return len(runs) >= need
}

func dateHandler(fd form.FieldDescriptor, value string) (string, *Failure) {
	v := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "."))
	if !namesDay(v) {
		return "", unresolved("%q does not name a full date", value)
	}
	t, err := dateparse.ParseIn(v, time.UTC)
	if err != nil {
		return "", unresolved("%q is not a recognizable date", value)
	}
	if t.Year() < minYear || t.Year() > maxYear {
		return "", unresolved("date %q is out of range", value)
	}
	return t.Format(Layout(fd.Constraints.DateFormat)), nil
}
