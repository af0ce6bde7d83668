package resolver

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/drfirst/go-pafill/internal/collaborator"
)

// Truncation policies for referral text larger than the source budget.
const (
	PolicyWindow = "window"
	PolicyHead   = "head"
	PolicyFail   = "fail"
)

// ErrSourceTooLarge is returned under the fail policy.
var ErrSourceTooLarge = errors.New("referral text exceeds the source budget")

// Document is the referral's text, one segment per page or region.
type Document struct {
	Segments []collaborator.Segment
}

// Text renders the whole document with page markers.
func (d Document) Text() string {
	var b strings.Builder
	for i, s := range d.Segments {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Page %d]\n%s", s.Page, s.Text)
	}
	return b.String()
}

// Empty reports whether the document has no text at all.
func (d Document) Empty() bool {
	for _, s := range d.Segments {
		if strings.TrimSpace(s.Text) != "" {
			return false
		}
	}
	return true
}

// Window is a slice of one segment scored against a field's query.
type Window struct {
	Page  int
	Seq   int
	Start int
	Text  string
	Score float64
}

// Source is the text actually sent to the collaborator.
type Source struct {
	Text      string
	Truncated bool
	Windows   []Window
}

// WindowOptions configures SelectSource.
type WindowOptions struct {
	Policy        string
	MaxChars      int
	WindowChars   int
	WindowOverlap int
}

// SelectSource fits doc into opts.MaxChars. Under the window policy the
// windows sharing the most terms with query are kept, then re-ordered by
// their position in the referral.
func SelectSource(doc Document, query string, opts WindowOptions) (Source, error) {
	full := doc.Text()
	if opts.MaxChars <= 0 || len(full) <= opts.MaxChars {
		return Source{Text: full}, nil
	}

	switch opts.Policy {
	case PolicyFail:
		return Source{}, fmt.Errorf("%w: %d > %d characters", ErrSourceTooLarge, len(full), opts.MaxChars)
	case PolicyHead:
		return Source{Text: cutBytes(full, opts.MaxChars), Truncated: true}, nil
	}

	windows := splitWindows(doc, opts.WindowChars, opts.WindowOverlap)
	terms := queryTerms(query)
	for i := range windows {
		windows[i].Score = score(windows[i].Text, terms)
	}

	ranked := append([]Window(nil), windows...)
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Score > ranked[b].Score
	})

	var picked []Window
	used := 0
	for _, w := range ranked {
		cost := len(w.Text) + len(marker(w.Page)) + len(separator)
		if used+cost > opts.MaxChars {
			continue
		}
		picked = append(picked, w)
		used += cost
	}
	if len(picked) == 0 && len(ranked) > 0 {
		// a single window can outgrow the budget once its page marker is added
		top := ranked[0]
		if room := opts.MaxChars - len(marker(top.Page)); room > 0 {
			top.Text = cutBytes(top.Text, room)
			picked = append(picked, top)
		}
	}

	sort.SliceStable(picked, func(a, b int) bool {
		return picked[a].Seq < picked[b].Seq
	})

	var b strings.Builder
	for i, w := range picked {
		if i > 0 {
			b.WriteString(separator)
		}
		b.WriteString(marker(w.Page))
		b.WriteString(w.Text)
	}
	return Source{Text: b.String(), Truncated: true, Windows: picked}, nil
}

const separator = "\n...\n"

func marker(page int) string { return fmt.Sprintf("[Page %d]\n", page) }

func splitWindows(doc Document, size, overlap int) []Window {
	if size <= 0 {
		size = 2000
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var out []Window
	for _, seg := range doc.Segments {
		runes := []rune(seg.Text)
		for start := 0; start < len(runes); start += step {
			end := start + size
			if end > len(runes) {
				end = len(runes)
			}
			text := strings.TrimSpace(string(runes[start:end]))
			if text != "" {
				out = append(out, Window{Page: seg.Page, Seq: len(out), Start: start, Text: text})
			}
			if end == len(runes) {
				break
			}
		}
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true, "does": true,
	"this": true, "that": true, "from": true, "are": true, "was": true, "patient": true,
	"referral": true, "form": true, "field": true, "which": true, "have": true, "has": true,
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func queryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, tok := range tokenize(query) {
		if len(tok) >= 3 && !stopwords[tok] {
			terms[tok] = true
		}
	}
	return terms
}

// score counts distinct query terms present, with a damped bonus for repeats.
func score(text string, terms map[string]bool) float64 {
	if len(terms) == 0 {
		return 0
	}
	hits := make(map[string]int)
	for _, tok := range tokenize(text) {
		if terms[tok] {
			hits[tok]++
		}
	}
	var total int
	for _, n := range hits {
		total += n
	}
	return float64(len(hits)) + 0.25*math.Log1p(float64(total))
}

// cutBytes shortens s to at most max bytes without splitting a rune.
func cutBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
