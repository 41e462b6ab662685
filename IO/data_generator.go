package IO

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/CTCycle/XRAYREP-report-generator/captioner"
	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
	"github.com/CTCycle/XRAYREP-report-generator/vision"
)

// Record is one row of the dataset CSV.
type Record struct {
	ImagePath string
	Tokens    []int
	Text      string
}

// ReadRecords parses a semicolon separated file with the columns
// image_path;tokens[;text]. tokens holds space separated ids. A header
// row is skipped when its tokens column does not parse.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRecords(f)
}

func ParseRecords(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var out []Record
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("line %d: want image_path;tokens, got %d fields", line, len(row))
		}
		tokens, err := parseTokens(row[1])
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec := Record{ImagePath: strings.TrimSpace(row[0]), Tokens: tokens}
		if len(row) > 2 {
			rec.Text = row[2]
		}
		out = append(out, rec)
	}
}

// parseTokens accepts integer ids, including float spellings like "12.0".
func parseTokens(s string) ([]int, error) {
	fields := strings.Fields(s)
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			v, ferr := strconv.ParseFloat(f, 64)
			if ferr != nil || v != float64(int(v)) {
				return nil, fmt.Errorf("bad token id %q", f)
			}
			n = int(v)
		}
		out[i] = n
	}
	return out, nil
}

// SplitRecords shuffles a copy of records with seed and holds out the last
// nTest of them.
func SplitRecords(records []Record, nTest int, seed uint64) (train, test []Record) {
	cp := append([]Record(nil), records...)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(cp), func(i, j int) { cp[i], cp[j] = cp[j], cp[i] })
	nTest = min(max(nTest, 0), len(cp))
	return cp[:len(cp)-nTest], cp[len(cp)-nTest:]
}

// GeneratorOptions configures a DataGenerator.
type GeneratorOptions struct {
	BatchSize      int
	Shape          []int // H, W, C
	SequenceLength int
	Augment        bool
	Shuffle        bool
	Workers        int
	Seed           uint64
	BaseDir        string // prefix for relative image paths
}

// DataGenerator loads batches of images and padded sequences on demand.
// It implements captioner.Dataset.
type DataGenerator struct {
	records []Record
	opts    GeneratorOptions
	order   []int
	rng     *rand.Rand
}

var _ captioner.Dataset = (*DataGenerator)(nil)

func NewDataGenerator(records []Record, opts GeneratorOptions) (*DataGenerator, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size %d <= 0", opts.BatchSize)
	}
	if len(opts.Shape) != 3 {
		return nil, fmt.Errorf("shape needs 3 entries, got %v", opts.Shape)
	}
	if opts.SequenceLength < 2 {
		return nil, fmt.Errorf("sequence length %d < 2", opts.SequenceLength)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	g := &DataGenerator{
		records: records,
		opts:    opts,
		order:   make([]int, len(records)),
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed+1)),
	}
	for i := range g.order {
		g.order[i] = i
	}
	g.OnEpochEnd()
	return g, nil
}

// Len counts batches; the last one may be short.
func (g *DataGenerator) Len() int {
	return (len(g.records) + g.opts.BatchSize - 1) / g.opts.BatchSize
}

// Batch loads the i-th batch of the current epoch order.
func (g *DataGenerator) Batch(i int) (captioner.Batch, error) {
	if i < 0 || i >= g.Len() {
		return captioner.Batch{}, fmt.Errorf("batch %d out of range [0,%d)", i, g.Len())
	}
	lo := i * g.opts.BatchSize
	hi := min(lo+g.opts.BatchSize, len(g.records))
	idx := g.order[lo:hi]

	b := captioner.Batch{
		Images:    make([]vision.Image, len(idx)),
		Sequences: make([][]int, len(idx)),
	}
	// Draw augmentation seeds up front so results do not depend on scheduling.
	seeds := make([]uint64, len(idx))
	for k := range seeds {
		seeds[k] = g.rng.Uint64()
	}

	for k, r := range idx {
		seq, err := PadSequence(g.records[r].Tokens, g.opts.SequenceLength)
		if err != nil {
			return captioner.Batch{}, fmt.Errorf("%s: %w", g.records[r].ImagePath, err)
		}
		b.Sequences[k] = seq
	}

	h, w, c := g.opts.Shape[0], g.opts.Shape[1], g.opts.Shape[2]
	var eg errgroup.Group
	eg.SetLimit(g.opts.Workers)
	for k, r := range idx {
		rec := g.records[r]
		eg.Go(func() error {
			im, err := LoadImage(g.resolve(rec.ImagePath), h, w, c)
			if err != nil {
				return err
			}
			if g.opts.Augment {
				im = Augment(im, rand.New(rand.NewPCG(seeds[k], uint64(k))))
			}
			b.Images[k] = im
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return captioner.Batch{}, err
	}
	return b, nil
}

// OnEpochEnd reshuffles the sample order when shuffling is enabled.
func (g *DataGenerator) OnEpochEnd() {
	if !g.opts.Shuffle {
		return
	}
	g.rng.Shuffle(len(g.order), func(i, j int) { g.order[i], g.order[j] = g.order[j], g.order[i] })
	slog.Debug("dataset reshuffled", "samples", len(g.order))
}

func (g *DataGenerator) resolve(p string) string {
	if g.opts.BaseDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(g.opts.BaseDir, p)
}

// PadSequence zero-pads tokens to n. More than n tokens is an ErrShape.
func PadSequence(tokens []int, n int) ([]int, error) {
	if len(tokens) > n {
		return nil, fmt.Errorf("%w: %d tokens for sequence length %d", errtypes.ErrShape, len(tokens), n)
	}
	out := make([]int, n)
	copy(out, tokens)
	return out, nil
}
