package captioner

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
	"github.com/CTCycle/XRAYREP-report-generator/transformer"
	"github.com/CTCycle/XRAYREP-report-generator/utils"
	"github.com/CTCycle/XRAYREP-report-generator/vision"
)

const (
	probClip = 1e-7 // probabilities are clipped to [probClip, 1-probClip]
	maskEps  = 1e-7 // added to the mask count before dividing
)

// Batch pairs images with their zero-padded token sequences.
type Batch struct {
	Images    []vision.Image
	Sequences [][]int
}

func (b Batch) Len() int { return len(b.Images) }

// StepResult is what one train or eval step reports.
type StepResult struct {
	Loss     float64
	Accuracy float64
	LR       float64 // learning rate used by the update, 0 for eval
}

// Mean is a running average of scalar values.
type Mean struct {
	total float64
	count float64
}

func (m *Mean) Update(v float64) {
	m.total += v
	m.count++
}

func (m *Mean) Result() float64 {
	if m.count == 0 {
		return 0
	}
	return m.total / m.count
}

func (m *Mean) Reset() { *m = Mean{} }

// shift splits a padded sequence into decoder input and target and returns
// the target mask.
func shift(seq []int) (input, target []int, mask []bool) {
	input = seq[:len(seq)-1]
	target = seq[1:]
	return input, target, transformer.PaddingMask(target)
}

// tokenStats accumulates the masked sums of one column-softmax output.
// When dZ is non-nil it receives scale times the gradient of the summed
// cross entropy with respect to the logits.
func tokenStats(P *mat.Dense, target []int, mask []bool, dZ *mat.Dense, scale float64) (ce, correct float64) {
	V, _ := P.Dims()
	for c, y := range target {
		if !mask[c] {
			continue
		}
		py := P.At(y, c)
		// clipped on probabilities, so saturated columns pass no gradient
		ce -= math.Log(min(max(py, probClip), 1-probClip))
		if utils.ArgmaxCol(P, c) == y {
			correct++
		}
		// the clip has zero gradient outside its range
		if dZ == nil || py < probClip || py > 1-probClip {
			continue
		}
		for r := 0; r < V; r++ {
			dZ.Set(r, c, scale*P.At(r, c))
		}
		dZ.Set(y, c, dZ.At(y, c)-scale)
	}
	return ce, correct
}

func maskCount(mask []bool) float64 {
	n := 0.0
	for _, ok := range mask {
		if ok {
			n++
		}
	}
	return n
}

// checkTargets makes sure P has one column per target and every id is a row of P.
func checkTargets(P *mat.Dense, target []int) error {
	V, T := P.Dims()
	if T != len(target) {
		return fmt.Errorf("%w: %d probability columns for %d targets", errtypes.ErrShape, T, len(target))
	}
	return checkIDs(target, V)
}

func checkIDs(ids []int, vocab int) error {
	for t, id := range ids {
		if id < 0 || id >= vocab {
			return fmt.Errorf("%w: id %d at position %d outside [0,%d)", errtypes.ErrVocabularyLookup, id, t, vocab)
		}
	}
	return nil
}

// MaskedLoss is the mean cross entropy over the positions whose target is
// not padding. P is (vocab x T).
func MaskedLoss(P *mat.Dense, target []int) (float64, error) {
	if err := checkTargets(P, target); err != nil {
		return 0, err
	}
	mask := transformer.PaddingMask(target)
	ce, _ := tokenStats(P, target, mask, nil, 0)
	return ce / (maskCount(mask) + maskEps), nil
}

// MaskedAccuracy is the share of non-padding positions whose argmax is the
// target.
func MaskedAccuracy(P *mat.Dense, target []int) (float64, error) {
	if err := checkTargets(P, target); err != nil {
		return 0, err
	}
	mask := transformer.PaddingMask(target)
	_, correct := tokenStats(P, target, mask, nil, 0)
	return correct / (maskCount(mask) + maskEps), nil
}

func (m *Model) checkBatch(b Batch) error {
	if len(b.Images) != len(b.Sequences) {
		return fmt.Errorf("%w: %d images for %d sequences", errtypes.ErrShape, len(b.Images), len(b.Sequences))
	}
	for i, seq := range b.Sequences {
		if len(seq) != m.Config.SequenceLength {
			return fmt.Errorf("%w: sequence %d has %d tokens, expected %d", errtypes.ErrShape, i, len(seq), m.Config.SequenceLength)
		}
		if err := checkIDs(seq, m.Config.VocabSize); err != nil {
			return fmt.Errorf("sequence %d: %w", i, err)
		}
	}
	return nil
}

// forward runs one sample through the full network.
func (m *Model) forward(img vision.Image, input []int, mask []bool, training bool) (*mat.Dense, error) {
	visual, err := m.Image.Forward(img)
	if err != nil {
		return nil, err
	}
	memory := transformer.Stack(m.Encoders, visual, training)
	return m.Decoder.Forward(input, memory, mask, training)
}

// TrainStep runs forward and backward over the batch and applies one Adam
// update to the trainable params. The loss is normalised by the number of
// unmasked targets across the whole batch.
func (m *Model) TrainStep(b Batch) (StepResult, error) {
	if m.opt == nil {
		return StepResult{}, errors.New("captioner: TrainStep before Compile")
	}
	if err := m.checkBatch(b); err != nil {
		return StepResult{}, err
	}
	trainable := m.TrainableParams()

	count := 0.0
	for _, seq := range b.Sequences {
		_, _, mask := shift(seq)
		count += maskCount(mask)
	}
	scale := 1.0 / (count + maskEps)

	var ce, correct float64
	for i, seq := range b.Sequences {
		input, target, mask := shift(seq)
		P, err := m.forward(b.Images[i], input, mask, true)
		if err != nil {
			optimizations.ZeroGrads(trainable)
			return StepResult{}, err
		}
		dZ := mat.NewDense(m.Config.VocabSize, len(target), nil)
		sCE, sCorrect := tokenStats(P, target, mask, dZ, scale)
		ce += sCE
		correct += sCorrect

		dMemory := m.Decoder.BackwardGradsOnly(dZ)
		transformer.StackBackward(m.Encoders, dMemory)
	}

	res := StepResult{Loss: ce * scale, Accuracy: correct * scale}
	if !utils.IsFinite(res.Loss) {
		optimizations.ZeroGrads(trainable)
		return StepResult{}, fmt.Errorf("%w: loss %v at step %d", errtypes.ErrNumericInstability, res.Loss, m.opt.Iterations)
	}
	res.LR = m.opt.Step(trainable)
	m.loss.Update(res.Loss)
	m.accuracy.Update(res.Accuracy)
	utils.Debugf("train step %d: loss=%.5f acc=%.4f lr=%.3g", m.opt.Iterations, res.Loss, res.Accuracy, res.LR)
	return res, nil
}

// EvalStep is TrainStep's forward pass in inference mode. Nothing is
// updated except the running metrics.
func (m *Model) EvalStep(b Batch) (StepResult, error) {
	if err := m.checkBatch(b); err != nil {
		return StepResult{}, err
	}
	var ce, correct, count float64
	for i, seq := range b.Sequences {
		input, target, mask := shift(seq)
		P, err := m.forward(b.Images[i], input, mask, false)
		if err != nil {
			return StepResult{}, err
		}
		sCE, sCorrect := tokenStats(P, target, mask, nil, 0)
		ce += sCE
		correct += sCorrect
		count += maskCount(mask)
	}
	res := StepResult{Loss: ce / (count + maskEps), Accuracy: correct / (count + maskEps)}
	if !utils.IsFinite(res.Loss) {
		return StepResult{}, fmt.Errorf("%w: eval loss %v", errtypes.ErrNumericInstability, res.Loss)
	}
	m.loss.Update(res.Loss)
	m.accuracy.Update(res.Accuracy)
	return res, nil
}
