package pdfform

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/drfirst/go-pafill/internal/domain/form"
)

// Annotation flags (PDF 32000-1, 12.5.3).
const (
	annotHidden = 1 << 1
	annotNoView = 1 << 5
)

const flatFont = "PafillHelv"

// flatten turns a filled form into static page content: each visible
// widget's normal appearance is drawn into its page, then the widgets and
// the AcroForm are removed.
func flatten(pdf []byte) ([]byte, error) {
	ctx, err := api.ReadContext(bytes.NewReader(pdf), configuration())
	if err != nil {
		return nil, fmt.Errorf("read filled form: %w", err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("read filled form: %w", err)
	}

	f := &flattener{ctx: ctx, w: &walker{ctx: ctx}}
	for nr := 1; nr <= ctx.PageCount; nr++ {
		if err := f.page(nr); err != nil {
			return nil, fmt.Errorf("flatten page %d: %w", nr, err)
		}
	}

	root, err := ctx.Catalog()
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	root.Delete("AcroForm")

	var buf bytes.Buffer
	if err := api.WriteContext(ctx, &buf); err != nil {
		return nil, fmt.Errorf("write flattened form: %w", err)
	}
	return buf.Bytes(), nil
}

type flattener struct {
	ctx  *model.Context
	w    *walker
	font *types.IndirectRef
	seq  int
}

func (f *flattener) page(nr int) error {
	d, _, inh, err := f.ctx.PageDict(nr, false)
	if err != nil || d == nil {
		return err
	}
	annotsObj, found := d.Find("Annots")
	if !found {
		return nil
	}
	annots, err := f.ctx.DereferenceArray(annotsObj)
	if err != nil {
		return err
	}

	var (
		keep types.Array
		ops  strings.Builder
		res  types.Dict
	)
	resources := func() (types.Dict, error) {
		if res == nil {
			res, err = f.resources(d, inh)
		}
		return res, err
	}

	for _, a := range annots {
		ad, err := f.ctx.DereferenceDict(a)
		if err != nil || ad == nil || f.w.name(ad, "Subtype") != "Widget" {
			keep = append(keep, a)
			continue
		}
		if flags, _ := f.w.integer(ad, "F"); flags&(annotHidden|annotNoView) != 0 {
			continue
		}
		rect := f.w.rect(ad)
		if rect.URX-rect.LLX <= 0 || rect.URY-rect.LLY <= 0 {
			continue
		}

		if ap, bbox, matrix := f.appearance(ad); ap != nil {
			r, err := resources()
			if err != nil {
				return err
			}
			name, err := f.register(r, "XObject", *ap)
			if err != nil {
				return err
			}
			m := fit(bbox, matrix, rect)
			fmt.Fprintf(&ops, "q %s %s %s %s %s %s cm /%s Do Q\n",
				num(m[0]), num(m[1]), num(m[2]), num(m[3]), num(m[4]), num(m[5]), name)
			continue
		}

		if text := f.value(ad); text != "" {
			r, err := resources()
			if err != nil {
				return err
			}
			if err := f.registerFont(r); err != nil {
				return err
			}
			size := min(10, (rect.URY-rect.LLY)*0.7)
			fmt.Fprintf(&ops, "BT /%s %s Tf %s %s Td (%s) Tj ET\n",
				flatFont, num(size), num(rect.LLX+2), num(rect.LLY+(rect.URY-rect.LLY-size)/2), escape(text))
		}
	}

	if len(keep) > 0 {
		d.Update("Annots", keep)
	} else {
		d.Delete("Annots")
	}
	if ops.Len() == 0 {
		return nil
	}
	return f.appendContent(d, ops.String())
}

// appearance returns the normal appearance stream of a widget, choosing
// the /AS state for buttons, with its BBox and Matrix.
func (f *flattener) appearance(ad types.Dict) (*types.IndirectRef, []float64, []float64) {
	apObj, found := ad.Find("AP")
	if !found {
		return nil, nil, nil
	}
	ap, err := f.ctx.DereferenceDict(apObj)
	if err != nil || ap == nil {
		return nil, nil, nil
	}
	nObj, found := ap.Find("N")
	if !found {
		return nil, nil, nil
	}
	obj, err := f.ctx.Dereference(nObj)
	if err != nil {
		return nil, nil, nil
	}
	ref, isRef := nObj.(types.IndirectRef)
	if states, ok := obj.(types.Dict); ok {
		state := f.w.name(ad, "AS")
		if state == "" {
			return nil, nil, nil
		}
		if ref, isRef = states[state].(types.IndirectRef); !isRef {
			return nil, nil, nil
		}
		if obj, err = f.ctx.Dereference(ref); err != nil {
			return nil, nil, nil
		}
	}
	if !isRef {
		return nil, nil, nil
	}
	sd, ok := obj.(types.StreamDict)
	if !ok {
		return nil, nil, nil
	}
	bbox := f.numbers(sd.Dict, "BBox")
	if len(bbox) != 4 {
		return nil, nil, nil
	}
	return &ref, bbox, f.numbers(sd.Dict, "Matrix")
}

// value is the text of a widget without an appearance stream, read from
// the widget or its parent field.
func (f *flattener) value(ad types.Dict) string {
	for d := ad; d != nil; {
		if v := f.w.str(d, "V"); v != "" {
			return v
		}
		p, found := d.Find("Parent")
		if !found {
			return ""
		}
		next, err := f.ctx.DereferenceDict(p)
		if err != nil {
			return ""
		}
		d = next
	}
	return ""
}

func (f *flattener) numbers(d types.Dict, key string) []float64 {
	obj, found := d.Find(key)
	if !found {
		return nil
	}
	arr, err := f.ctx.DereferenceArray(obj)
	if err != nil {
		return nil
	}
	out := make([]float64, 0, len(arr))
	for _, o := range arr {
		n, err := f.ctx.DereferenceNumber(o)
		if err != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}

// resources returns the page's own resource dictionary, copying inherited
// resources onto the page when it has none.
func (f *flattener) resources(d types.Dict, inh *model.InheritedPageAttrs) (types.Dict, error) {
	if obj, found := d.Find("Resources"); found {
		return f.ctx.DereferenceDict(obj)
	}
	r := types.NewDict()
	if inh != nil && inh.Resources != nil {
		r = inh.Resources.Clone().(types.Dict)
	}
	d.Insert("Resources", r)
	return r, nil
}

// register adds obj under a fresh name in the kind subdictionary of res.
func (f *flattener) register(res types.Dict, kind string, obj types.IndirectRef) (string, error) {
	sub, err := f.subdict(res, kind)
	if err != nil {
		return "", err
	}
	f.seq++
	name := "PafillFlat" + strconv.Itoa(f.seq)
	sub.Insert(name, obj)
	return name, nil
}

func (f *flattener) registerFont(res types.Dict) error {
	if f.font == nil {
		font := types.Dict{
			"Type":     types.Name("Font"),
			"Subtype":  types.Name("Type1"),
			"BaseFont": types.Name("Helvetica"),
			"Encoding": types.Name("WinAnsiEncoding"),
		}
		ref, err := f.ctx.IndRefForNewObject(font)
		if err != nil {
			return err
		}
		f.font = ref
	}
	fonts, err := f.subdict(res, "Font")
	if err != nil {
		return err
	}
	fonts.Update(flatFont, *f.font)
	return nil
}

func (f *flattener) subdict(res types.Dict, key string) (types.Dict, error) {
	if obj, found := res.Find(key); found {
		return f.ctx.DereferenceDict(obj)
	}
	sub := types.NewDict()
	res.Insert(key, sub)
	return sub, nil
}

// appendContent draws ops over the existing page content, which is wrapped
// in q/Q so its graphics state does not leak.
func (f *flattener) appendContent(d types.Dict, ops string) error {
	open, err := f.stream("q\n")
	if err != nil {
		return err
	}
	draw, err := f.stream("Q\n" + ops)
	if err != nil {
		return err
	}

	contents := types.Array{*open}
	if obj, found := d.Find("Contents"); found {
		switch c := obj.(type) {
		case types.IndirectRef:
			if arr, err := f.ctx.DereferenceArray(c); err == nil && arr != nil {
				contents = append(contents, arr...)
			} else {
				contents = append(contents, c)
			}
		case types.Array:
			contents = append(contents, c...)
		}
	}
	d.Update("Contents", append(contents, *draw))
	return nil
}

func (f *flattener) stream(content string) (*types.IndirectRef, error) {
	sd := types.NewStreamDict(types.NewDict(), 0, nil, nil, nil)
	sd.Content = []byte(content)
	if err := sd.Encode(); err != nil {
		return nil, err
	}
	return f.ctx.IndRefForNewObject(sd)
}

// fit returns the matrix that maps an appearance's transformed bounding box
// onto the widget rectangle (PDF 32000-1, 12.5.5).
func fit(bbox, matrix []float64, r form.Rect) [6]float64 {
	if len(matrix) != 6 {
		matrix = []float64{1, 0, 0, 1, 0, 0}
	}
	xs := make([]float64, 0, 4)
	ys := make([]float64, 0, 4)
	for _, p := range [][2]float64{{bbox[0], bbox[1]}, {bbox[2], bbox[1]}, {bbox[0], bbox[3]}, {bbox[2], bbox[3]}} {
		xs = append(xs, matrix[0]*p[0]+matrix[2]*p[1]+matrix[4])
		ys = append(ys, matrix[1]*p[0]+matrix[3]*p[1]+matrix[5])
	}
	minX, maxX := minMax(xs)
	minY, maxY := minMax(ys)

	sx, sy := 1.0, 1.0
	if w := maxX - minX; w > 0 {
		sx = (r.URX - r.LLX) / w
	}
	if h := maxY - minY; h > 0 {
		sy = (r.URY - r.LLY) / h
	}
	return [6]float64{sx, 0, 0, sy, r.LLX - sx*minX, r.LLY - sy*minY}
}

func minMax(v []float64) (lo, hi float64) {
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		lo, hi = min(lo, x), max(hi, x)
	}
	return lo, hi
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var pdfString = strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`, "\r", " ", "\n", " ")

func escape(s string) string { return pdfString.Replace(s) }
