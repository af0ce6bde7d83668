package validation

import (
	"strings"

	"github.com/drfirst/go-pafill/internal/domain/form"
)

// choiceHandler snaps a value onto one of the field's options. Without
// options the field behaves like text.
func choiceHandler(allowTruncation bool) Handler {
	text := textHandler(allowTruncation)
	return func(fd form.FieldDescriptor, value string) (string, *Failure) {
		opts := fd.Constraints.Options
		if len(opts) == 0 {
			return text(fd, value)
		}

		want := vocabKey(value)
		if want == "" {
			return "", unresolved("empty value")
		}
		for _, o := range opts {
			if vocabKey(o) == want {
				return o, nil
			}
		}

		var partial []string
		for _, o := range opts {
			k := vocabKey(o)
			if k != "" && (strings.Contains(want, k) || strings.Contains(k, want)) {
				partial = append(partial, o)
			}
		}
		if len(partial) == 1 {
			return partial[0], nil
		}
		if len(partial) > 1 {
			return "", ambiguous("%q matches several options", value)
		}
		return "", ambiguous("%q is not one of the allowed options", value)
	}
}
