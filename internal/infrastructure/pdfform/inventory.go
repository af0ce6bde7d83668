// Package pdfform reads and fills AcroForm templates with pdfcpu.
package pdfform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/domain/form"
)

// ErrNoForm is returned for templates without an AcroForm.
var ErrNoForm = errors.New("template has no fillable form")

// Field flag bits (PDF 32000-1, 12.7.3.1 and 12.7.4).
const (
	flagRequired   = 1 << 1
	flagMultiline  = 1 << 12
	flagRadio      = 1 << 15
	flagPushButton = 1 << 16
)

var dateScript = regexp.MustCompile(`AFDate_(?:Format|Keystroke)Ex\s*\(\s*["']([^"']+)["']`)

// Inventory lists the widgets of a template.
type Inventory struct {
	logger *zap.Logger
}

// NewInventory creates an inventory reader.
func NewInventory(logger *zap.Logger) *Inventory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inventory{logger: logger}
}

func configuration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Inventory returns one raw field per terminal form field, in document order.
func (inv *Inventory) Inventory(ctx context.Context, template []byte) (fields []form.RawField, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read template: %v", r)
		}
	}()

	pdfCtx, err := api.ReadContext(bytes.NewReader(template), configuration())
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	if err := pdfCtx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}

	root, err := pdfCtx.Catalog()
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	acroObj, found := root.Find("AcroForm")
	if !found {
		return nil, ErrNoForm
	}
	acro, err := pdfCtx.DereferenceDict(acroObj)
	if err != nil || acro == nil {
		return nil, ErrNoForm
	}
	fieldsObj, found := acro.Find("Fields")
	if !found {
		return nil, ErrNoForm
	}
	roots, err := pdfCtx.DereferenceArray(fieldsObj)
	if err != nil {
		return nil, fmt.Errorf("read form fields: %w", err)
	}

	w := &walker{ctx: pdfCtx, pages: annotationPages(pdfCtx), logger: inv.logger}
	for _, obj := range roots {
		w.walk(obj, inherited{})
	}
	inv.logger.Debug("template inventoried",
		zap.Int("pages", pdfCtx.PageCount),
		zap.Int("fields", len(w.fields)))
	return w.fields, nil
}

// annotationPages maps widget object numbers to their page.
func annotationPages(ctx *model.Context) map[int]int {
	pages := make(map[int]int)
	for nr := 1; nr <= ctx.PageCount; nr++ {
		d, _, _, err := ctx.PageDict(nr, false)
		if err != nil || d == nil {
			continue
		}
		annotsObj, found := d.Find("Annots")
		if !found {
			continue
		}
		annots, err := ctx.DereferenceArray(annotsObj)
		if err != nil {
			continue
		}
		for _, a := range annots {
			if ref, ok := a.(types.IndirectRef); ok {
				pages[ref.ObjectNumber.Value()] = nr
			}
		}
	}
	return pages
}

// inherited carries the attributes a field may take from its ancestors.
type inherited struct {
	name   string
	ft     string
	flags  int
	maxLen int
	opts   []string
}

type walker struct {
	ctx    *model.Context
	pages  map[int]int
	logger *zap.Logger
	fields []form.RawField
}

func (w *walker) walk(obj types.Object, in inherited) {
	d, err := w.ctx.DereferenceDict(obj)
	if err != nil || d == nil {
		return
	}

	if t := w.str(d, "T"); t != "" {
		if in.name != "" {
			in.name += "." + t
		} else {
			in.name = t
		}
	}
	if ft := w.name(d, "FT"); ft != "" {
		in.ft = ft
	}
	if ff, ok := w.integer(d, "Ff"); ok {
		in.flags = ff
	}
	if ml, ok := w.integer(d, "MaxLen"); ok {
		in.maxLen = ml
	}
	if opts := w.options(d); len(opts) > 0 {
		in.opts = opts
	}

	// Kids carrying a T are child fields; kids without one are widgets of
	// this field.
	var widgets []types.Object
	if kidsObj, found := d.Find("Kids"); found {
		kids, err := w.ctx.DereferenceArray(kidsObj)
		if err == nil {
			var childFields []types.Object
			for _, k := range kids {
				kd, err := w.ctx.DereferenceDict(k)
				if err != nil || kd == nil {
					continue
				}
				if _, named := kd.Find("T"); named {
					childFields = append(childFields, k)
				} else {
					widgets = append(widgets, k)
				}
			}
			if len(childFields) > 0 {
				for _, k := range childFields {
					w.walk(k, in)
				}
				return
			}
		}
	}
	if len(widgets) == 0 {
		widgets = []types.Object{obj}
	}
	if in.name == "" {
		return
	}

	rf := form.RawField{
		ID:        in.name,
		Name:      in.name,
		Type:      fieldType(in.ft, in.flags),
		Label:     w.str(d, "TU"),
		Required:  in.flags&flagRequired != 0,
		MaxLength: in.maxLen,
		Options:   in.opts,
		Multiline: in.ft == "Tx" && in.flags&flagMultiline != 0,
	}
	if m := dateScript.FindStringSubmatch(w.actionScript(d)); m != nil {
		rf.DateFormat = strings.ToUpper(m[1])
	}

	var onStates []string
	for i, wo := range widgets {
		wd, err := w.ctx.DereferenceDict(wo)
		if err != nil || wd == nil {
			continue
		}
		if i == 0 {
			rf.Page = w.page(wo, wd)
			rf.Rect = w.rect(wd)
		}
		onStates = append(onStates, w.onStates(wd)...)
	}

	switch rf.Type {
	case "checkbox":
		if len(onStates) > 0 {
			rf.OnState = onStates[0]
		}
	case "radio":
		if len(rf.Options) == 0 {
			rf.Options = dedupe(onStates)
		}
	}
	w.fields = append(w.fields, rf)
}

func fieldType(ft string, flags int) string {
	switch ft {
	case "Tx":
		return "text"
	case "Ch":
		return "choice"
	case "Btn":
		switch {
		case flags&flagPushButton != 0:
			return "pushbutton"
		case flags&flagRadio != 0:
			return "radio"
		}
		return "checkbox"
	case "Sig":
		return "Sig"
	}
	return "unknown"
}

func (w *walker) str(d types.Dict, key string) string {
	obj, found := d.Find(key)
	if !found {
		return ""
	}
	s, err := w.ctx.DereferenceStringOrHexLiteral(obj, model.V10, nil)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func (w *walker) name(d types.Dict, key string) string {
	obj, found := d.Find(key)
	if !found {
		return ""
	}
	n, err := w.ctx.DereferenceName(obj, model.V10, nil)
	if err != nil {
		return ""
	}
	return string(n)
}

func (w *walker) integer(d types.Dict, key string) (int, bool) {
	obj, found := d.Find(key)
	if !found {
		return 0, false
	}
	i, err := w.ctx.DereferenceInteger(obj)
	if err != nil || i == nil {
		return 0, false
	}
	return int(*i), true
}

// options reads Opt entries, preferring the export value of pairs.
func (w *walker) options(d types.Dict) []string {
	obj, found := d.Find("Opt")
	if !found {
		return nil
	}
	arr, err := w.ctx.DereferenceArray(obj)
	if err != nil {
		return nil
	}
	var out []string
	for _, o := range arr {
		if s, err := w.ctx.DereferenceStringOrHexLiteral(o, model.V10, nil); err == nil {
			out = append(out, s)
			continue
		}
		if pair, err := w.ctx.DereferenceArray(o); err == nil && len(pair) >= 1 {
			if s, err := w.ctx.DereferenceStringOrHexLiteral(pair[0], model.V10, nil); err == nil {
				out = append(out, s)
			}
		}
	}
	return out
}

func (w *walker) actionScript(d types.Dict) string {
	aaObj, found := d.Find("AA")
	if !found {
		return ""
	}
	aa, err := w.ctx.DereferenceDict(aaObj)
	if err != nil || aa == nil {
		return ""
	}
	var b strings.Builder
	for _, key := range []string{"F", "K"} {
		actObj, found := aa.Find(key)
		if !found {
			continue
		}
		act, err := w.ctx.DereferenceDict(actObj)
		if err != nil || act == nil {
			continue
		}
		b.WriteString(w.str(act, "JS"))
		b.WriteByte('\n')
	}
	return b.String()
}

func (w *walker) page(obj types.Object, d types.Dict) int {
	if ref, ok := obj.(types.IndirectRef); ok {
		if nr, ok := w.pages[ref.ObjectNumber.Value()]; ok {
			return nr
		}
	}
	if pObj, found := d.Find("P"); found {
		if ref, ok := pObj.(types.IndirectRef); ok {
			for nr := 1; nr <= w.ctx.PageCount; nr++ {
				_, pageRef, _, err := w.ctx.PageDict(nr, false)
				if err == nil && pageRef != nil && pageRef.ObjectNumber == ref.ObjectNumber {
					return nr
				}
			}
		}
	}
	return 1
}

func (w *walker) rect(d types.Dict) form.Rect {
	obj, found := d.Find("Rect")
	if !found {
		return form.Rect{}
	}
	arr, err := w.ctx.DereferenceArray(obj)
	if err != nil || len(arr) != 4 {
		return form.Rect{}
	}
	var c [4]float64
	for i, o := range arr {
		if f, err := w.ctx.DereferenceNumber(o); err == nil {
			c[i] = f
		}
	}
	return form.Rect{LLX: c[0], LLY: c[1], URX: c[2], URY: c[3]}
}

// onStates returns the appearance state names of a button widget other
// than Off.
func (w *walker) onStates(d types.Dict) []string {
	apObj, found := d.Find("AP")
	if !found {
		return nil
	}
	ap, err := w.ctx.DereferenceDict(apObj)
	if err != nil || ap == nil {
		return nil
	}
	nObj, found := ap.Find("N")
	if !found {
		return nil
	}
	n, err := w.ctx.DereferenceDict(nObj)
	if err != nil || n == nil {
		return nil
	}
	var out []string
	for k := range n {
		if k != "Off" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
