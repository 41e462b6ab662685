package params

import (
	"fmt"

	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
)

// Architecture holds the layer widths of every component. The defaults
// reproduce the reference network; tests shrink them.
type Architecture struct {
	// ConvStages lists the filters of each convolution stage. Every stage
	// is followed by a 2x2 stride-2 max pool.
	ConvStages [][]int `json:"conv_stages" yaml:"conv_stages"`
	// ImageDenseUnits are applied per spatial position after the last pool.
	// The last entry is the width of a visual token.
	ImageDenseUnits []int `json:"image_dense_units" yaml:"image_dense_units"`

	// EncoderUnits are the four dense widths of an encoder block.
	EncoderUnits   []int     `json:"encoder_units" yaml:"encoder_units"`
	EncoderDropout []float64 `json:"encoder_dropout" yaml:"encoder_dropout"`

	DecoderFFNUnits   int       `json:"decoder_ffn_units" yaml:"decoder_ffn_units"`
	DecoderDenseUnits int       `json:"decoder_dense_units" yaml:"decoder_dense_units"`
	DecoderDropout    []float64 `json:"decoder_dropout" yaml:"decoder_dropout"`
	AttentionDropout  float64   `json:"attention_dropout" yaml:"attention_dropout"`
}

// ModelConfig is the architecture record persisted next to the weights.
// Every constructor hyperparameter lives here.
type ModelConfig struct {
	PictureShape   []int   `json:"picture_shape" yaml:"picture_shape"` // H, W, C
	SequenceLength int     `json:"sequence_length" yaml:"sequence_length"`
	VocabSize      int     `json:"vocab_size" yaml:"vocab_size"`
	EmbeddingDims  int     `json:"embedding_dims" yaml:"embedding_dims"`
	KernelSize     int     `json:"kernel_size" yaml:"kernel_size"`
	NumHeads       int     `json:"num_heads" yaml:"num_heads"`
	NumEncoders    int     `json:"num_encoders" yaml:"num_encoders"`
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate"`
	WarmupSteps    int     `json:"warmup_steps" yaml:"warmup_steps"`
	XLAState       bool    `json:"XLA_state" yaml:"XLA_state"`
	MixedPrecision bool    `json:"mixed_precision" yaml:"mixed_precision"`
	Seed           int64   `json:"seed" yaml:"seed"`

	Architecture Architecture `json:"architecture" yaml:"architecture"`
}

type TrainingConfig struct {
	BatchSize       int     `json:"batch_size" yaml:"batch_size"`
	Epochs          int     `json:"epochs" yaml:"epochs"`
	NumTrainSamples int     `json:"num_train_samples" yaml:"num_train_samples"`
	NumTestSamples  int     `json:"num_test_samples" yaml:"num_test_samples"`
	SplitSeed       int64   `json:"split_seed" yaml:"split_seed"`
	Augmentation    bool    `json:"augmentation" yaml:"augmentation"`
	Device          string  `json:"training_device" yaml:"training_device"` // "CPU" or "GPU"
	NumWorkers      int     `json:"num_processors" yaml:"num_processors"`
	SaveEvery       int     `json:"save_every" yaml:"save_every"` // epochs between checkpoints (0=end only)
	GradClip        float64 `json:"grad_clip" yaml:"grad_clip"`   // <=0 disables
	WeightDecay     float64 `json:"weight_decay" yaml:"weight_decay"`
	AdamBeta1       float64 `json:"adam_beta1" yaml:"adam_beta1"`
	AdamBeta2       float64 `json:"adam_beta2" yaml:"adam_beta2"`
	AdamEps         float64 `json:"adam_eps" yaml:"adam_eps"`
}

// Config is the layout of a configuration file.
type Config struct {
	Model    ModelConfig    `json:"model" yaml:"model"`
	Training TrainingConfig `json:"training" yaml:"training"`
}

func DefaultArchitecture() Architecture {
	return Architecture{
		ConvStages:        [][]int{{128}, {256}, {256, 512}, {512, 512}},
		ImageDenseUnits:   []int{512, 512, 256},
		EncoderUnits:      []int{512, 512, 256, 256},
		EncoderDropout:    []float64{0.2, 0.3},
		DecoderFFNUnits:   512,
		DecoderDenseUnits: 512,
		DecoderDropout:    []float64{0.2, 0.3, 0.3},
		AttentionDropout:  0.2,
	}
}

func DefaultModel() ModelConfig {
	return ModelConfig{
		PictureShape:   []int{144, 144, 1},
		SequenceLength: 200,
		VocabSize:      30522, // bert-base-uncased
		EmbeddingDims:  768,
		KernelSize:     2,
		NumHeads:       4,
		NumEncoders:    3,
		LearningRate:   0.001,
		WarmupSteps:    10,
		Seed:           72,
		Architecture:   DefaultArchitecture(),
	}
}

func DefaultTraining() TrainingConfig {
	return TrainingConfig{
		BatchSize:       10,
		Epochs:          20,
		NumTrainSamples: 20000,
		NumTestSamples:  2000,
		SplitSeed:       40,
		Device:          "CPU",
		NumWorkers:      6,
		AdamBeta1:       0.9,
		AdamBeta2:       0.999,
		AdamEps:         1e-7,
	}
}

func Default() Config {
	return Config{Model: DefaultModel(), Training: DefaultTraining()}
}

// Height, Width and Channels of the configured picture shape.
func (c ModelConfig) Height() int   { return c.PictureShape[0] }
func (c ModelConfig) Width() int    { return c.PictureShape[1] }
func (c ModelConfig) Channels() int { return c.PictureShape[2] }

// VisualWidth is the width of one visual token.
func (c ModelConfig) VisualWidth() int {
	u := c.Architecture.ImageDenseUnits
	return u[len(u)-1]
}

// VisualTokens is the number of visual tokens produced per image.
func (c ModelConfig) VisualTokens() int {
	h, w := c.Height(), c.Width()
	for range c.Architecture.ConvStages {
		h = (h + 1) / 2
		w = (w + 1) / 2
	}
	return h * w
}

// Validate checks the record for values no model can be built from.
func (c ModelConfig) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errtypes.ErrConfigMismatch, fmt.Sprintf(format, args...))
	}
	if len(c.PictureShape) != 3 {
		return bad("picture_shape needs 3 entries, got %d", len(c.PictureShape))
	}
	for _, v := range c.PictureShape {
		if v <= 0 {
			return bad("picture_shape %v has non-positive entries", c.PictureShape)
		}
	}
	switch {
	case c.SequenceLength < 2:
		return bad("sequence_length %d < 2", c.SequenceLength)
	case c.VocabSize < 2:
		return bad("vocab_size %d < 2", c.VocabSize)
	case c.EmbeddingDims <= 0:
		return bad("embedding_dims %d <= 0", c.EmbeddingDims)
	case c.KernelSize <= 0:
		return bad("kernel_size %d <= 0", c.KernelSize)
	case c.NumHeads <= 0:
		return bad("num_heads %d <= 0", c.NumHeads)
	case c.NumEncoders <= 0:
		return bad("num_encoders %d <= 0", c.NumEncoders)
	case c.LearningRate < 0:
		return bad("learning_rate %g < 0", c.LearningRate)
	case c.WarmupSteps < 0:
		return bad("warmup_steps %d < 0", c.WarmupSteps)
	}

	a := c.Architecture
	if len(a.ConvStages) == 0 {
		return bad("conv_stages is empty")
	}
	for i, stage := range a.ConvStages {
		if len(stage) == 0 {
			return bad("conv stage %d is empty", i)
		}
		for _, f := range stage {
			if f <= 0 {
				return bad("conv stage %d has filters %d", i, f)
			}
		}
	}
	if len(a.ImageDenseUnits) == 0 {
		return bad("image_dense_units is empty")
	}
	if err := positive("image_dense_units", a.ImageDenseUnits); err != nil {
		return bad("%v", err)
	}
	if len(a.EncoderUnits) != 4 {
		return bad("encoder_units needs 4 entries, got %d", len(a.EncoderUnits))
	}
	if err := positive("encoder_units", a.EncoderUnits); err != nil {
		return bad("%v", err)
	}
	if len(a.EncoderDropout) != 2 {
		return bad("encoder_dropout needs 2 entries, got %d", len(a.EncoderDropout))
	}
	if len(a.DecoderDropout) != 3 {
		return bad("decoder_dropout needs 3 entries, got %d", len(a.DecoderDropout))
	}
	if a.DecoderFFNUnits <= 0 || a.DecoderDenseUnits <= 0 {
		return bad("decoder units %d/%d must be positive", a.DecoderFFNUnits, a.DecoderDenseUnits)
	}
	rates := append(append([]float64{a.AttentionDropout}, a.EncoderDropout...), a.DecoderDropout...)
	for _, r := range rates {
		if r < 0 || r >= 1 {
			return bad("dropout rate %g outside [0,1)", r)
		}
	}
	return nil
}

func positive(name string, vs []int) error {
	for _, v := range vs {
		if v <= 0 {
			return fmt.Errorf("%s has non-positive width %d", name, v)
		}
	}
	return nil
}
