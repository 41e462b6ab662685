package captioner

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
	"github.com/CTCycle/XRAYREP-report-generator/transformer"
	"github.com/CTCycle/XRAYREP-report-generator/utils"
	"github.com/CTCycle/XRAYREP-report-generator/vision"
)

// Tokenizer maps text to padded id sequences and ids back to tokens.
type Tokenizer interface {
	VocabSize() int
	// Encode returns exactly maxLength ids, zero-padded or truncated.
	Encode(text string, maxLength int) ([]int, error)
	IDToToken(id int) (string, bool)
	TokenToID(token string) (int, bool)
	StartToken() string
	EndToken() string
}

// Inference runs the network with training off. It owns its caches, so one
// Inference must not be used from two goroutines at once.
type Inference struct {
	seqLen   int
	image    *vision.ImageEncoder
	encoders []*transformer.EncoderBlock
	decoder  *transformer.DecoderBlock
}

// InferenceModel returns a view over the model's layers.
func (m *Model) InferenceModel() *Inference {
	return &Inference{
		seqLen:   m.Config.SequenceLength,
		image:    m.Image,
		encoders: m.Encoders,
		decoder:  m.Decoder,
	}
}

// Clone shares weights read-only and gives the copy private caches.
func (in *Inference) Clone() *Inference {
	out := &Inference{
		seqLen:  in.seqLen,
		image:   in.image.CloneShared(),
		decoder: in.decoder.CloneShared(),
	}
	for _, b := range in.encoders {
		out.encoders = append(out.encoders, b.CloneShared())
	}
	return out
}

// Memory encodes one image into the decoder's cross-attention input.
func (in *Inference) Memory(img vision.Image) (*mat.Dense, error) {
	visual, err := in.image.Forward(img)
	if err != nil {
		return nil, err
	}
	return transformer.Stack(in.encoders, visual, false), nil
}

func (in *Inference) maxLength(n int) (int, error) {
	if n <= 0 {
		return in.seqLen - 1, nil
	}
	if n > in.seqLen {
		return 0, fmt.Errorf("%w: max length %d exceeds sequence length %d", errtypes.ErrShape, n, in.seqLen)
	}
	return n, nil
}

// Generate decodes greedily. Each step re-encodes the caption so far, runs
// the whole decoder and takes the argmax at the step index. It stops at the
// end token or after maxLength steps; maxLength <= 0 means
// sequence length - 1.
func (in *Inference) Generate(img vision.Image, tok Tokenizer, maxLength int) (string, error) {
	maxLength, err := in.maxLength(maxLength)
	if err != nil {
		return "", err
	}
	memory, err := in.Memory(img)
	if err != nil {
		return "", err
	}
	start, end := tok.StartToken(), tok.EndToken()
	caption := start
	for i := 0; i < maxLength; i++ {
		ids, err := tok.Encode(caption, maxLength)
		if err != nil {
			return "", err
		}
		P, err := in.decoder.Forward(ids, memory, transformer.PaddingMask(ids), false)
		if err != nil {
			return "", err
		}
		next := utils.ArgmaxCol(P, i)
		token, ok := tok.IDToToken(next)
		if !ok {
			return "", fmt.Errorf("%w: sampled id %d has no token", errtypes.ErrVocabularyLookup, next)
		}
		if token == end {
			break
		}
		caption += " " + token
	}
	return CleanReport(caption, start), nil
}

// CleanReport drops the start token, joins word pieces and collapses
// whitespace.
func CleanReport(caption, start string) string {
	caption = strings.TrimPrefix(strings.TrimSpace(caption), start)
	caption = strings.ReplaceAll(caption, " ##", "")
	return strings.Join(strings.Fields(caption), " ")
}

// GenerateBatch decodes images on up to workers goroutines, each with its
// own clone. Results keep the input order.
func (in *Inference) GenerateBatch(ctx context.Context, images []vision.Image, tok Tokenizer, maxLength, workers int) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if workers <= 0 {
		workers = 1
	}
	workers = min(workers, len(images))
	pool := make(chan *Inference, workers)
	for range workers {
		pool <- in.Clone()
	}

	out := make([]string, len(images))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, img := range images {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			worker := <-pool
			defer func() { pool <- worker }()
			report, err := worker.Generate(img, tok, maxLength)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			out[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
