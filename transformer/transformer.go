package transformer

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
	"github.com/CTCycle/XRAYREP-report-generator/utils"
)

// TensorRecord is the serialised form of one Param. Exactly one of Data or
// Half carries the values. M and V hold Adam moments when present.
type TensorRecord struct {
	Name       string
	Rows, Cols int
	Data       []float64
	Half       []uint16
	M, V       []float64
}

// Checkpoint is the gob payload of a weights file.
type Checkpoint struct {
	RunID      string
	Iterations int
	Tensors    []TensorRecord
}

// SnapshotOptions control what Snapshot stores.
type SnapshotOptions struct {
	Optimizer     bool // keep Adam moments
	HalfPrecision bool // store values as float16 bits
}

// Snapshot copies every param into a record, in order.
func Snapshot(ps []*optimizations.Param, opts SnapshotOptions) []TensorRecord {
	out := make([]TensorRecord, len(ps))
	for i, p := range ps {
		r, c := p.W.Dims()
		rec := TensorRecord{Name: p.Name, Rows: r, Cols: c}
		raw := mat.DenseCopyOf(p.W).RawMatrix().Data
		if opts.HalfPrecision {
			rec.Half = utils.EncodeHalf(raw)
		} else {
			rec.Data = raw
		}
		if opts.Optimizer && p.M != nil && p.V != nil {
			rec.M = append([]float64(nil), mat.DenseCopyOf(p.M).RawMatrix().Data...)
			rec.V = append([]float64(nil), mat.DenseCopyOf(p.V).RawMatrix().Data...)
		}
		out[i] = rec
	}
	return out
}

// Restore writes records back into ps. Names, order and shapes must match;
// any difference is reported as errtypes.ErrConfigMismatch and leaves ps
// untouched.
func Restore(ps []*optimizations.Param, recs []TensorRecord) error {
	if len(ps) != len(recs) {
		return fmt.Errorf("%w: checkpoint has %d tensors, model has %d", errtypes.ErrConfigMismatch, len(recs), len(ps))
	}
	for i, p := range ps {
		rec := recs[i]
		r, c := p.W.Dims()
		if rec.Name != p.Name {
			return fmt.Errorf("%w: tensor %d is %q in checkpoint, %q in model", errtypes.ErrConfigMismatch, i, rec.Name, p.Name)
		}
		if rec.Rows != r || rec.Cols != c {
			return fmt.Errorf("%w: %s has shape %dx%d in checkpoint, %dx%d in model",
				errtypes.ErrConfigMismatch, p.Name, rec.Rows, rec.Cols, r, c)
		}
		n := len(rec.Data)
		if rec.Half != nil {
			n = len(rec.Half)
		}
		if n != r*c {
			return fmt.Errorf("%w: %s carries %d values for %dx%d", errtypes.ErrConfigMismatch, p.Name, n, r, c)
		}
	}
	for i, p := range ps {
		rec := recs[i]
		vals := rec.Data
		if rec.Half != nil {
			vals = utils.DecodeHalf(rec.Half)
		}
		p.W.Copy(mat.NewDense(rec.Rows, rec.Cols, append([]float64(nil), vals...)))
		p.ZeroGrad()
		if p.M != nil && len(rec.M) == rec.Rows*rec.Cols {
			p.M.Copy(mat.NewDense(rec.Rows, rec.Cols, append([]float64(nil), rec.M...)))
		}
		if p.V != nil && len(rec.V) == rec.Rows*rec.Cols {
			p.V.Copy(mat.NewDense(rec.Rows, rec.Cols, append([]float64(nil), rec.V...)))
		}
	}
	return nil
}

// SaveCheckpoint writes ck to filename with gob, creating parent dirs.
func SaveCheckpoint(ck Checkpoint, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(ck); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filename, err)
	}
	return f.Close()
}

func LoadCheckpoint(filename string) (Checkpoint, error) {
	var ck Checkpoint
	f, err := os.Open(filename)
	if err != nil {
		return ck, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return ck, fmt.Errorf("decode %s: %w", filename, err)
	}
	return ck, nil
}
