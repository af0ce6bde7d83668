package validation

import (
	"strings"
	"unicode/utf8"

	"github.com/drfirst/go-pafill/internal/domain/form"
)

func textHandler(allowTruncation bool) Handler {
	return func(fd form.FieldDescriptor, value string) (string, *Failure) {
		v := normalizeText(value, fd.Constraints.Multiline)
		if v == "" {
			return "", unresolved("empty value")
		}
		return fitLength(v, fd.Constraints.MaxLength, allowTruncation)
	}
}

// normalizeText trims and collapses runs of spaces. Case is preserved.
func normalizeText(value string, multiline bool) string {
	if !multiline {
		return strings.Join(strings.Fields(value), " ")
	}
	lines := strings.Split(strings.ReplaceAll(value, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

func fitLength(v string, max int, allowTruncation bool) (string, *Failure) {
	n := utf8.RuneCountInString(v)
	if max <= 0 || n <= max {
		return v, nil
	}
	if !allowTruncation {
		return "", ambiguous("value has %d characters, field allows %d", n, max)
	}
	return strings.TrimSpace(string([]rune(v)[:max])), nil
}
