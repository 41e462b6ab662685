package IO

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	tk "github.com/sugarme/tokenizer"

	"github.com/CTCycle/XRAYREP-report-generator/captioner"
	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
	"github.com/CTCycle/XRAYREP-report-generator/vision"
)

func TestBuildVocabularyOrdersByFrequency(t *testing.T) {
	v, err := BuildVocabulary([]string{"the lung is clear", "The heart is normal", "lung"}, 8)
	require.NoError(t, err)
	want := []string{PadToken, StartToken, EndToken, UnkToken, "is", "lung", "the", "clear"}
	if diff := cmp.Diff(want, v.Tokens()); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 8, v.VocabSize())

	ids, err := v.Encode("The lung is fine", 6)
	require.NoError(t, err)
	require.Equal(t, []int{6, 5, 4, 3, 0, 0}, ids)

	ids, err = v.EncodeReport("lung clear", 5)
	require.NoError(t, err)
	require.Equal(t, []int{1, 5, 7, 2, 0}, ids)

	ids, err = v.Encode("is is is is", 2)
	require.NoError(t, err)
	require.Equal(t, []int{4, 4}, ids)

	_, err = BuildVocabulary(nil, 3)
	require.Error(t, err)
}

func TestVocabularyLookups(t *testing.T) {
	v := NewVocabulary([]string{PadToken, StartToken, EndToken, UnkToken, "lung"})
	tok, ok := v.IDToToken(4)
	require.True(t, ok)
	require.Equal(t, "lung", tok)
	_, ok = v.IDToToken(5)
	require.False(t, ok)
	id, ok := v.TokenToID(EndToken)
	require.True(t, ok)
	require.Equal(t, 2, id)
	_, ok = v.TokenToID("heart")
	require.False(t, ok)
}

func TestNormalizeFoldsWidthAndCase(t *testing.T) {
	require.Equal(t, "lung", Normalize("Ｌｕｎｇ"))
}

func TestVocabularySaveLoad(t *testing.T) {
	v, err := BuildVocabulary([]string{"no acute disease", "no effusion"}, 10)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, v.Save(path))

	got, err := LoadVocabulary(path)
	require.NoError(t, err)
	require.Equal(t, v.Tokens(), got.Tokens())

	bad := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("lung\nheart\n"), 0o644))
	_, err = LoadVocabulary(bad)
	require.Error(t, err)
}

// fakeWordPiece splits on spaces and looks words up in vocab.
type fakeWordPiece struct {
	vocab map[string]int
}

func (f fakeWordPiece) EncodeSingle(input string, _ ...bool) (*tk.Encoding, error) {
	var ids []int
	for _, w := range strings.Fields(input) {
		id, ok := f.vocab[w]
		if !ok {
			id = f.vocab[UnkToken]
		}
		ids = append(ids, id)
	}
	return &tk.Encoding{Ids: ids}, nil
}

func (f fakeWordPiece) GetVocab(bool) map[string]int { return f.vocab }

func TestWordPiecePadsAndTruncates(t *testing.T) {
	w, err := NewWordPieceTokenizer(fakeWordPiece{vocab: map[string]int{
		PadToken: 0, UnkToken: 100, StartToken: 101, EndToken: 102, "lung": 200,
	}})
	require.NoError(t, err)
	require.Equal(t, 201, w.VocabSize())
	require.Equal(t, StartToken, w.StartToken())
	require.Equal(t, EndToken, w.EndToken())

	ids, err := w.EncodeReport("lung clear", 6)
	require.NoError(t, err)
	require.Equal(t, []int{101, 200, 100, 102, 0, 0}, ids)

	ids, err = w.Encode("lung lung lung", 2)
	require.NoError(t, err)
	require.Equal(t, []int{200, 200}, ids)

	tok, ok := w.IDToToken(200)
	require.True(t, ok)
	require.Equal(t, "lung", tok)
	_, ok = w.IDToToken(150)
	require.False(t, ok)
	id, ok := w.TokenToID(EndToken)
	require.True(t, ok)
	require.Equal(t, 102, id)
}

func TestWordPieceNeedsSpecialTokens(t *testing.T) {
	_, err := NewWordPieceTokenizer(fakeWordPiece{vocab: map[string]int{PadToken: 0, StartToken: 1}})
	require.Error(t, err)
	_, err = NewWordPieceTokenizer(fakeWordPiece{vocab: map[string]int{}})
	require.Error(t, err)
}

func TestParseRecords(t *testing.T) {
	in := "images_path;tokenized_text;text\na.png;1 5 7 2;lung clear\nb.png;1 4.0 2\n"
	got, err := ParseRecords(strings.NewReader(in))
	require.NoError(t, err)
	want := []Record{
		{ImagePath: "a.png", Tokens: []int{1, 5, 7, 2}, Text: "lung clear"},
		{ImagePath: "b.png", Tokens: []int{1, 4, 2}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}

	_, err = ParseRecords(strings.NewReader("a.png;1 2\nb.png;x y\n"))
	require.Error(t, err)
	_, err = ParseRecords(strings.NewReader("a.png\n"))
	require.Error(t, err)
}

func TestSplitRecordsIsAPartition(t *testing.T) {
	var records []Record
	for i := 0; i < 10; i++ {
		records = append(records, Record{ImagePath: fmt.Sprintf("%d.png", i)})
	}
	train, test := SplitRecords(records, 3, 40)
	require.Len(t, train, 7)
	require.Len(t, test, 3)

	var names []string
	for _, r := range append(append([]Record{}, train...), test...) {
		names = append(names, r.ImagePath)
	}
	sort.Strings(names)
	var want []string
	for _, r := range records {
		want = append(want, r.ImagePath)
	}
	sort.Strings(want)
	require.Equal(t, want, names)

	train2, test2 := SplitRecords(records, 3, 40)
	require.Equal(t, train, train2)
	require.Equal(t, test, test2)

	train, test = SplitRecords(records, 50, 1)
	require.Empty(t, train)
	require.Len(t, test, 10)
}

func writeGray(t *testing.T, path string, w, h int, px func(x, y int) uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: px(x, y)})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestLoadImageScalesToUnitRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grad.png")
	writeGray(t, path, 4, 4, func(x, y int) uint8 { return uint8(16*y + 4*x) })

	im, err := LoadImage(path, 4, 4, 1)
	require.NoError(t, err)
	require.NoError(t, im.CheckShape(4, 4, 1))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			require.InDelta(t, float64(16*y+4*x)/255, im.At(y, x, 0), 1e-9)
		}
	}

	rgb, err := LoadImage(path, 4, 4, 3)
	require.NoError(t, err)
	require.InDelta(t, im.At(2, 3, 0), rgb.At(2, 3, 1), 1e-9)

	_, err = LoadImage(path, 4, 4, 2)
	require.Error(t, err)
	_, err = LoadImage(filepath.Join(dir, "missing.png"), 4, 4, 1)
	require.Error(t, err)
}

func TestLoadImageResizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flat.png")
	writeGray(t, path, 8, 6, func(int, int) uint8 { return 128 })

	im, err := LoadImage(path, 4, 4, 1)
	require.NoError(t, err)
	require.NoError(t, im.CheckShape(4, 4, 1))
	for _, v := range im.Data {
		require.InDelta(t, 128.0/255, v, 1e-9)
	}
}

func grid3() vision.Image {
	im := vision.NewImage(3, 3, 1)
	for i := range im.Data {
		im.Data[i] = float64(i)
	}
	return im
}

func TestShiftUsesNearestFill(t *testing.T) {
	right := Shift(grid3(), 1, 0, false)
	require.Equal(t, []float64{0, 0, 1, 3, 3, 4, 6, 6, 7}, right.Data)

	flipped := Shift(grid3(), 1, 0, true)
	require.Equal(t, []float64{1, 0, 0, 4, 3, 3, 7, 6, 6}, flipped.Data)

	down := Shift(grid3(), 0, 1, false)
	require.Equal(t, []float64{0, 1, 2, 0, 1, 2, 3, 4, 5}, down.Data)

	require.Equal(t, grid3().Data, Shift(grid3(), 0, 0, false).Data)
}

func TestAugmentKeepsShapeAndValues(t *testing.T) {
	src := grid3()
	a := Augment(src, rand.New(rand.NewPCG(1, 2)))
	b := Augment(src, rand.New(rand.NewPCG(1, 2)))
	require.Equal(t, a.Data, b.Data)
	require.NoError(t, a.CheckShape(3, 3, 1))
	for _, v := range a.Data {
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 8.0)
		require.Equal(t, v, float64(int(v)))
	}
}

func writeDataset(t *testing.T, n int) (string, []Record) {
	t.Helper()
	dir := t.TempDir()
	var records []Record
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%d.png", i)
		writeGray(t, filepath.Join(dir, name), 4, 4, func(x, y int) uint8 { return uint8(10 * i) })
		records = append(records, Record{ImagePath: name, Tokens: []int{1, i + 3, 2}})
	}
	return dir, records
}

func TestDataGeneratorBatches(t *testing.T) {
	dir, records := writeDataset(t, 5)
	g, err := NewDataGenerator(records, GeneratorOptions{
		BatchSize: 2, Shape: []int{4, 4, 1}, SequenceLength: 4, Workers: 3, BaseDir: dir,
	})
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())

	b, err := g.Batch(0)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())
	require.Equal(t, [][]int{{1, 3, 2, 0}, {1, 4, 2, 0}}, b.Sequences)
	require.InDelta(t, 10.0/255, b.Images[1].At(0, 0, 0), 1e-9)

	last, err := g.Batch(2)
	require.NoError(t, err)
	require.Equal(t, 1, last.Len())
	require.Equal(t, [][]int{{1, 7, 2, 0}}, last.Sequences)

	_, err = g.Batch(3)
	require.Error(t, err)
}

func TestDataGeneratorShufflesEveryEpoch(t *testing.T) {
	dir, records := writeDataset(t, 6)
	g, err := NewDataGenerator(records, GeneratorOptions{
		BatchSize: 4, Shape: []int{4, 4, 1}, SequenceLength: 3, Shuffle: true, Augment: true, Seed: 7, BaseDir: dir,
	})
	require.NoError(t, err)

	epoch := func() []int {
		var seen []int
		for i := 0; i < g.Len(); i++ {
			b, err := g.Batch(i)
			require.NoError(t, err)
			for _, s := range b.Sequences {
				seen = append(seen, s[1]-3)
			}
		}
		g.OnEpochEnd()
		return seen
	}
	for e := 0; e < 3; e++ {
		seen := epoch()
		sort.Ints(seen)
		require.Equal(t, []int{0, 1, 2, 3, 4, 5}, seen)
	}
}

func TestDataGeneratorReportsMissingImages(t *testing.T) {
	g, err := NewDataGenerator([]Record{{ImagePath: "nope.png", Tokens: []int{1, 2}}}, GeneratorOptions{
		BatchSize: 1, Shape: []int{4, 4, 1}, SequenceLength: 3, BaseDir: t.TempDir(),
	})
	require.NoError(t, err)
	_, err = g.Batch(0)
	require.Error(t, err)

	_, err = NewDataGenerator(nil, GeneratorOptions{BatchSize: 0, Shape: []int{4, 4, 1}, SequenceLength: 3})
	require.Error(t, err)
	_, err = NewDataGenerator(nil, GeneratorOptions{BatchSize: 1, Shape: []int{4, 4}, SequenceLength: 3})
	require.Error(t, err)
}

func TestPadSequenceRejectsLongRecords(t *testing.T) {
	seq, err := PadSequence([]int{1, 5, 2}, 5)
	require.NoError(t, err)
	require.Equal(t, []int{1, 5, 2, 0, 0}, seq)

	_, err = PadSequence([]int{1, 5, 6, 2}, 3)
	require.True(t, errors.Is(err, errtypes.ErrShape))

	g, err := NewDataGenerator([]Record{{ImagePath: "a.png", Tokens: []int{1, 5, 6, 7, 2}}}, GeneratorOptions{
		BatchSize: 1, Shape: []int{4, 4, 1}, SequenceLength: 4, BaseDir: t.TempDir(),
	})
	require.NoError(t, err)
	_, err = g.Batch(0)
	require.True(t, errors.Is(err, errtypes.ErrShape))
}

func TestReadRecordsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "XREP_dataset.csv")
	require.NoError(t, os.WriteFile(path, []byte("a.png;1 2\n"), 0o644))
	got, err := ReadRecords(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestWriteHistoryCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	h := captioner.History{Epochs: []captioner.EpochLog{
		{Epoch: 1, Loss: 2.5, Accuracy: 0.1, LR: 0.001, Duration: 2 * time.Second},
		{Epoch: 2, Loss: 2.0, Accuracy: 0.2, ValLoss: 2.2, ValAccuracy: 0.15, LR: 0.001},
	}}
	require.NoError(t, WriteHistoryCSV(path, h))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "val_loss", rows[0][3])
	require.Equal(t, []string{"1", "2.5", "0.1", "0", "0", "0.001", "2"}, rows[1])
	require.Equal(t, "2.2", rows[2][3])
}

func TestFindDatasetPrefersCandidates(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "x", "reports.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(nested), 0o755))
	require.NoError(t, os.WriteFile(nested, nil, 0o644))

	old := DatasetCandidates
	DatasetCandidates = []string{filepath.Join(dir, "missing.csv")}
	defer func() { DatasetCandidates = old }()
	require.Equal(t, nested, FindDataset(dir))
}
