package IO

import (
	"fmt"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// wordPieceModel is the part of *tokenizer.Tokenizer the wrapper needs.
type wordPieceModel interface {
	EncodeSingle(input string, addSpecialTokensOpt ...bool) (*tk.Encoding, error)
	GetVocab(withAddedTokens bool) map[string]int
}

// WordPieceTokenizer wraps a BERT-style tokenizer.json. Special tokens are
// never added by Encode; callers put [CLS] and [SEP] in the text.
type WordPieceTokenizer struct {
	model  wordPieceModel
	ids    map[string]int
	tokens []string
}

// LoadWordPiece reads a Hugging Face tokenizer.json.
func LoadWordPiece(path string) (*WordPieceTokenizer, error) {
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return NewWordPieceTokenizer(t)
}

func NewWordPieceTokenizer(model wordPieceModel) (*WordPieceTokenizer, error) {
	vocab := model.GetVocab(true)
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer has an empty vocabulary")
	}
	// Build IDToToken in index order 0..N-1
	size := 0
	for _, id := range vocab {
		size = max(size, id+1)
	}
	w := &WordPieceTokenizer{model: model, ids: make(map[string]int, len(vocab)), tokens: make([]string, size)}
	for tok, id := range vocab {
		w.ids[tok] = id
		w.tokens[id] = tok
	}
	for _, s := range []string{StartToken, EndToken} {
		if _, ok := w.ids[s]; !ok {
			return nil, fmt.Errorf("tokenizer vocabulary has no %s token", s)
		}
	}
	return w, nil
}

func (w *WordPieceTokenizer) VocabSize() int     { return len(w.tokens) }
func (w *WordPieceTokenizer) StartToken() string { return StartToken }
func (w *WordPieceTokenizer) EndToken() string   { return EndToken }

// Encode returns exactly maxLength ids, truncated or zero-padded.
func (w *WordPieceTokenizer) Encode(text string, maxLength int) ([]int, error) {
	enc, err := w.model.EncodeSingle(text, false)
	if err != nil {
		return nil, err
	}
	out := make([]int, maxLength)
	for i, id := range enc.Ids {
		if i == maxLength {
			break
		}
		out[i] = int(id)
	}
	return out, nil
}

// EncodeReport wraps text in [CLS] ... [SEP] for training targets.
func (w *WordPieceTokenizer) EncodeReport(text string, sequenceLength int) ([]int, error) {
	return w.Encode(StartToken+" "+text+" "+EndToken, sequenceLength)
}

func (w *WordPieceTokenizer) IDToToken(id int) (string, bool) {
	if id < 0 || id >= len(w.tokens) || w.tokens[id] == "" {
		return "", false
	}
	return w.tokens[id], true
}

func (w *WordPieceTokenizer) TokenToID(tok string) (int, bool) {
	id, ok := w.ids[tok]
	return id, ok
}
