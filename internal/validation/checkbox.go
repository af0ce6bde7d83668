package validation

import (
	"strings"

	"github.com/drfirst/go-pafill/internal/domain/form"
)

var (
	defaultTrue = []string{
		"yes", "y", "true", "1", "checked", "check", "x", "on",
		"confirmed", "present", "positive", "selected",
	}
	defaultFalse = []string{
		"no", "n", "false", "0", "unchecked", "off",
		"denied", "negative", "absent", "not selected",
	}
)

// Vocabulary maps free-text intent onto checkbox states.
type Vocabulary struct {
	truthy map[string]bool
	falsy  map[string]bool
}

// NewVocabulary returns the default vocabulary extended by the profile.
func NewVocabulary(profile *form.Profile) *Vocabulary {
	v := &Vocabulary{truthy: make(map[string]bool), falsy: make(map[string]bool)}
	for _, w := range defaultTrue {
		v.truthy[w] = true
	}
	for _, w := range defaultFalse {
		v.falsy[w] = true
	}
	if profile != nil {
		for _, w := range profile.CheckboxTrue {
			v.truthy[vocabKey(w)] = true
		}
		for _, w := range profile.CheckboxFalse {
			v.falsy[vocabKey(w)] = true
		}
	}
	return v
}

// Intent returns the boolean meaning of s, and false for ok when s is
// outside the vocabulary or claimed by both sides.
func (v *Vocabulary) Intent(s string) (checked, ok bool) {
	k := vocabKey(s)
	t, f := v.truthy[k], v.falsy[k]
	if t == f {
		return false, false
	}
	return t, true
}

func vocabKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".!\"'")
	return strings.Join(strings.Fields(s), " ")
}

func checkboxHandler(vocab *Vocabulary) Handler {
	return func(fd form.FieldDescriptor, value string) (string, *Failure) {
		on := fd.Constraints.CheckedState
		if on == "" {
			on = "Yes"
		}
		off := fd.Constraints.UncheckedState
		if off == "" {
			off = "Off"
		}

		switch vocabKey(value) {
		case strings.ToLower(on):
			return on, nil
		case strings.ToLower(off):
			return off, nil
		}

		checked, ok := vocab.Intent(value)
		if !ok {
			return "", ambiguous("%q is not a recognized checkbox state", value)
		}
		if checked {
			return on, nil
		}
		return off, nil
	}
}
