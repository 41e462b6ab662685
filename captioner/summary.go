package captioner

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
)

func countParams(ps []*optimizations.Param) int {
	n := 0
	for _, p := range ps {
		r, c := p.W.Dims()
		n += r * c
	}
	return n
}

// layerOf groups params by the name up to the last path element.
func layerOf(name string) string {
	if i := strings.LastIndex(name, "/"); i > 0 {
		return name[:i]
	}
	return name
}

// Summary prints one row per layer with its parameter count, followed by
// the totals.
func (m *Model) Summary(w io.Writer) {
	type row struct {
		layer     string
		shapes    []string
		count     int
		trainable bool
	}
	var rows []*row
	index := map[string]*row{}
	add := func(ps []*optimizations.Param, trainable bool) {
		for _, p := range ps {
			name := layerOf(p.Name)
			rw, ok := index[name]
			if !ok {
				rw = &row{layer: name, trainable: trainable}
				index[name] = rw
				rows = append(rows, rw)
			}
			r, c := p.W.Dims()
			rw.shapes = append(rw.shapes, fmt.Sprintf("%dx%d", r, c))
			rw.count += r * c
		}
	}
	add(m.Image.Params(), false)
	add(m.TrainableParams(), true)

	var data [][]string
	for _, rw := range rows {
		data = append(data, []string{rw.layer, strings.Join(rw.shapes, " "), strconv.Itoa(rw.count), strconv.FormatBool(rw.trainable)})
	}

	fmt.Fprintf(w, "Model: XREPORT (run %s)\n", m.RunID)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LAYER", "SHAPES", "PARAMS", "TRAINABLE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	trainable := countParams(m.TrainableParams())
	frozen := countParams(m.Image.Params())
	fmt.Fprintf(w, "Total params: %d\nTrainable params: %d\nNon-trainable params: %d\n", trainable+frozen, trainable, frozen)
}

// WeightChange describes how one tensor moved between two snapshots.
type WeightChange struct {
	Name    string
	MaxDiff float64
	Changed bool
}

// CompareWeights pairs params by name and reports the largest absolute
// difference of each. Params present in only one set are skipped.
func CompareWeights(before, after []*optimizations.Param) []WeightChange {
	byName := make(map[string]*optimizations.Param, len(after))
	for _, p := range after {
		byName[p.Name] = p
	}
	var out []WeightChange
	for _, b := range before {
		a, ok := byName[b.Name]
		if !ok {
			continue
		}
		br, bc := b.W.Dims()
		ar, ac := a.W.Dims()
		if br != ar || bc != ac {
			continue
		}
		d := mat.NewDense(br, bc, nil)
		d.Sub(a.W, b.W)
		diff := maxAbs(d)
		out = append(out, WeightChange{Name: b.Name, MaxDiff: diff, Changed: diff != 0})
	}
	return out
}

func maxAbs(m *mat.Dense) float64 {
	mx := 0.0
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if v < 0 {
				v = -v
			}
			mx = max(mx, v)
		}
	}
	return mx
}

// CopyParams deep-copies the weights of ps, for later comparison.
func CopyParams(ps []*optimizations.Param) []*optimizations.Param {
	out := make([]*optimizations.Param, len(ps))
	for i, p := range ps {
		out[i] = &optimizations.Param{Name: p.Name, W: mat.DenseCopyOf(p.W)}
	}
	return out
}

// ReportSimilarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over
// runes, 1 for two empty reports.
func ReportSimilarity(a, b string) float64 {
	n := max(len([]rune(a)), len([]rune(b)))
	if n == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(n)
}
