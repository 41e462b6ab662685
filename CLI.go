package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CTCycle/XRAYREP-report-generator/IO"
	"github.com/CTCycle/XRAYREP-report-generator/captioner"
	"github.com/CTCycle/XRAYREP-report-generator/params"
	"github.com/CTCycle/XRAYREP-report-generator/vision"
)

// reportTokenizer is implemented by IO.Vocabulary and IO.WordPieceTokenizer.
type reportTokenizer interface {
	captioner.Tokenizer
	EncodeReport(text string, sequenceLength int) ([]int, error)
}

// loadTokenizer picks the WordPiece wrapper for tokenizer.json files and
// the word vocabulary otherwise.
func loadTokenizer(path string) (reportTokenizer, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return IO.LoadWordPiece(path)
	}
	return IO.LoadVocabulary(path)
}

// tokenizeRecords fills in token ids for rows that only carry text.
func tokenizeRecords(records []IO.Record, tok reportTokenizer, seqLen int) error {
	for i := range records {
		if len(records[i].Tokens) > 0 {
			continue
		}
		if tok == nil {
			return fmt.Errorf("record %s has no tokens and no tokenizer was given", records[i].ImagePath)
		}
		ids, err := tok.EncodeReport(records[i].Text, seqLen)
		if err != nil {
			return err
		}
		records[i].Tokens = ids
	}
	return nil
}

func readDataset(path string) ([]IO.Record, string, error) {
	if path == "" {
		path = IO.FindDataset(".")
	}
	if path == "" {
		return nil, "", errors.New("no dataset found, pass --dataset")
	}
	records, err := IO.ReadRecords(path)
	if err != nil {
		return nil, "", err
	}
	slog.Info("dataset loaded", "path", path, "records", len(records))
	return records, filepath.Dir(path), nil
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a captioning model",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}
	cmd.Flags().StringP("config", "c", "", "YAML or JSON configuration file")
	cmd.Flags().String("dataset", "", "CSV dataset (image_path;tokens[;text])")
	cmd.Flags().String("tokenizer", "", "tokenizer.json or vocabulary file")
	cmd.Flags().StringP("out", "o", "checkpoints", "Checkpoint directory")
	cmd.Flags().Int("epochs", 0, "Override the number of epochs")
	cmd.Flags().Int("batch-size", 0, "Override the batch size")
	cmd.Flags().String("device", "", "Training device (CPU or GPU)")
	cmd.Flags().Bool("mixed-precision", false, "Round activations through float16")
	cmd.Flags().Bool("resume", false, "Continue from the checkpoint in --out")
	cmd.Flags().Bool("half", false, "Store weights as float16")
	return cmd
}

func TrainHandler(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	cfg := params.Default()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = params.LoadConfig(path); err != nil {
			return err
		}
	} else {
		cfg.Training.ApplyEnv()
	}
	if n, _ := flags.GetInt("epochs"); n > 0 {
		cfg.Training.Epochs = n
	}
	if n, _ := flags.GetInt("batch-size"); n > 0 {
		cfg.Training.BatchSize = n
	}
	if d, _ := flags.GetString("device"); d != "" {
		cfg.Training.Device = d
	}
	if flags.Changed("mixed-precision") {
		cfg.Model.MixedPrecision, _ = flags.GetBool("mixed-precision")
	}

	var tok reportTokenizer
	if path, _ := flags.GetString("tokenizer"); path != "" {
		var err error
		if tok, err = loadTokenizer(path); err != nil {
			return err
		}
		cfg.Model.VocabSize = tok.VocabSize()
	}

	dataset, _ := flags.GetString("dataset")
	records, base, err := readDataset(dataset)
	if err != nil {
		return err
	}
	if err := tokenizeRecords(records, tok, cfg.Model.SequenceLength); err != nil {
		return err
	}
	if n := cfg.Training.NumTrainSamples + cfg.Training.NumTestSamples; n > 0 && n < len(records) {
		records = records[:n]
	}
	train, test := IO.SplitRecords(records, cfg.Training.NumTestSamples, uint64(cfg.Training.SplitSeed))

	out, _ := flags.GetString("out")
	ictx := captioner.NewInitContext(cfg.Model, cfg.Training.Device)
	var model *captioner.Model
	if resume, _ := flags.GetBool("resume"); resume {
		model, err = captioner.Load(out, ictx)
		if err == nil {
			cfg.Model = model.Config
		}
	} else {
		model, err = captioner.New(cfg.Model, ictx)
	}
	if err != nil {
		return err
	}
	model.Compile(captioner.CompileOptionsFrom(cfg.Training))
	model.Summary(cmd.OutOrStdout())

	gen := func(rs []IO.Record, shuffle bool) (*IO.DataGenerator, error) {
		return IO.NewDataGenerator(rs, IO.GeneratorOptions{
			BatchSize:      cfg.Training.BatchSize,
			Shape:          cfg.Model.PictureShape,
			SequenceLength: cfg.Model.SequenceLength,
			Augment:        shuffle && cfg.Training.Augmentation,
			Shuffle:        shuffle,
			Workers:        cfg.Training.NumWorkers,
			Seed:           uint64(cfg.Model.Seed),
			BaseDir:        base,
		})
	}
	trainGen, err := gen(train, true)
	if err != nil {
		return err
	}
	var val captioner.Dataset
	if len(test) > 0 {
		valGen, err := gen(test, false)
		if err != nil {
			return err
		}
		val = valGen
	}

	half, _ := flags.GetBool("half")
	saveOpts := captioner.SaveOptions{HalfPrecision: half}
	slog.Info("training", "train", len(train), "test", len(test), "epochs", cfg.Training.Epochs,
		"batch_size", cfg.Training.BatchSize, "vocab_size", cfg.Model.VocabSize, "run_id", model.RunID)

	hist, fitErr := model.Fit(cmd.Context(), trainGen, val, cfg.Training.Epochs,
		captioner.SaveEvery(out, cfg.Training.SaveEvery, saveOpts))
	if len(hist.Epochs) == 0 {
		return fitErr
	}
	if err := model.Save(out, saveOpts); err != nil {
		return err
	}
	if err := params.WriteConfig(filepath.Join(out, "training_configuration.yaml"), cfg); err != nil {
		return err
	}
	if err := IO.WriteHistoryCSV(filepath.Join(out, "history.csv"), hist); err != nil {
		return err
	}
	slog.Info("model saved", "dir", out)
	return fitErr
}

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate IMAGE [IMAGE...]",
		Short: "Write a report for each image",
		Args:  cobra.MinimumNArgs(1),
		RunE:  GenerateHandler,
	}
	cmd.Flags().StringP("model", "m", "checkpoints", "Checkpoint directory")
	cmd.Flags().String("tokenizer", "", "tokenizer.json or vocabulary file")
	cmd.Flags().Int("max-length", 0, "Maximum report length in tokens (0 = sequence length - 1)")
	cmd.Flags().Int("workers", 0, "Concurrent generations")
	_ = cmd.MarkFlagRequired("tokenizer")
	return cmd
}

func loadModel(cmd *cobra.Command) (*captioner.Model, error) {
	dir, _ := cmd.Flags().GetString("model")
	cfg, _, err := captioner.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	return captioner.Load(dir, captioner.NewInitContext(cfg, params.Device()))
}

func loadImages(paths []string, cfg params.ModelConfig) ([]vision.Image, error) {
	images := make([]vision.Image, len(paths))
	for i, p := range paths {
		im, err := IO.LoadImage(p, cfg.Height(), cfg.Width(), cfg.Channels())
		if err != nil {
			return nil, err
		}
		images[i] = im
	}
	return images, nil
}

func GenerateHandler(cmd *cobra.Command, args []string) error {
	model, err := loadModel(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("tokenizer")
	tok, err := loadTokenizer(path)
	if err != nil {
		return err
	}
	images, err := loadImages(args, model.Config)
	if err != nil {
		return err
	}
	maxLength, _ := cmd.Flags().GetInt("max-length")
	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = params.NumWorkers()
	}
	reports, err := model.InferenceModel().GenerateBatch(cmd.Context(), images, tok, maxLength, workers)
	if err != nil {
		return err
	}
	for i, r := range reports {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[i], r)
	}
	return nil
}

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Report loss, accuracy and report similarity on a dataset",
		Args:  cobra.NoArgs,
		RunE:  EvaluateHandler,
	}
	cmd.Flags().StringP("model", "m", "checkpoints", "Checkpoint directory")
	cmd.Flags().String("dataset", "", "CSV dataset (image_path;tokens[;text])")
	cmd.Flags().String("tokenizer", "", "tokenizer.json or vocabulary file; enables report similarity")
	cmd.Flags().Int("batch-size", 10, "Evaluation batch size")
	cmd.Flags().Int("samples", 0, "Evaluate at most this many records (0 = all)")
	return cmd
}

func EvaluateHandler(cmd *cobra.Command, _ []string) error {
	model, err := loadModel(cmd)
	if err != nil {
		return err
	}
	var tok reportTokenizer
	if path, _ := cmd.Flags().GetString("tokenizer"); path != "" {
		if tok, err = loadTokenizer(path); err != nil {
			return err
		}
	}
	dataset, _ := cmd.Flags().GetString("dataset")
	records, base, err := readDataset(dataset)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("samples"); n > 0 && n < len(records) {
		records = records[:n]
	}
	if err := tokenizeRecords(records, tok, model.Config.SequenceLength); err != nil {
		return err
	}
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	gen, err := IO.NewDataGenerator(records, IO.GeneratorOptions{
		BatchSize:      batchSize,
		Shape:          model.Config.PictureShape,
		SequenceLength: model.Config.SequenceLength,
		Workers:        params.NumWorkers(),
		BaseDir:        base,
	})
	if err != nil {
		return err
	}

	model.ResetMetrics()
	var similarity captioner.Mean
	inf := model.InferenceModel()
	for i := 0; i < gen.Len(); i++ {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		b, err := gen.Batch(i)
		if err != nil {
			return err
		}
		if _, err := model.EvalStep(b); err != nil {
			return err
		}
		if tok == nil {
			continue
		}
		reports, err := inf.GenerateBatch(cmd.Context(), b.Images, tok, 0, params.NumWorkers())
		if err != nil {
			return err
		}
		for k, r := range reports {
			rec := records[i*batchSize+k]
			if rec.Text != "" {
				similarity.Update(captioner.ReportSimilarity(r, IO.Normalize(rec.Text)))
			}
		}
	}
	loss, acc := model.Metrics()
	fmt.Fprintf(cmd.OutOrStdout(), "records: %d\nloss: %.5f\naccuracy: %.4f\n", len(records), loss, acc)
	if tok != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "report similarity: %.4f\n", similarity.Result())
	}
	return nil
}

func newSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the layers and parameter counts of a model",
		Args:  cobra.NoArgs,
		RunE:  SummaryHandler,
	}
	cmd.Flags().StringP("model", "m", "", "Checkpoint directory")
	cmd.Flags().StringP("config", "c", "", "Configuration file, used when --model is not set")
	return cmd
}

func SummaryHandler(cmd *cobra.Command, _ []string) error {
	if dir, _ := cmd.Flags().GetString("model"); dir != "" {
		model, err := loadModel(cmd)
		if err != nil {
			return err
		}
		model.Summary(cmd.OutOrStdout())
		return nil
	}
	cfg := params.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = params.LoadConfig(path); err != nil {
			return err
		}
	}
	model, err := captioner.New(cfg.Model, captioner.NewInitContext(cfg.Model, "CPU"))
	if err != nil {
		return err
	}
	model.Summary(cmd.OutOrStdout())
	return nil
}
