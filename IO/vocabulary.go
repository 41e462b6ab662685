package IO

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Special tokens shared by both tokenizers. Id 0 is padding.
const (
	PadToken   = "[PAD]"
	StartToken = "[CLS]"
	EndToken   = "[SEP]"
	UnkToken   = "[UNK]"
)

var special = []string{PadToken, StartToken, EndToken, UnkToken}

// Vocabulary is a whitespace word tokenizer. Text is NFKC-normalised and
// lowercased before splitting; unknown words map to [UNK].
type Vocabulary struct {
	ids    map[string]int
	tokens []string
}

// Normalize applies NFKC and lowercasing.
func Normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// words splits normalised text, keeping special tokens intact.
func words(s string) []string {
	parts := strings.Fields(s)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if isSpecial(p) {
			out = append(out, p)
			continue
		}
		out = append(out, Normalize(p))
	}
	return out
}

func isSpecial(s string) bool {
	for _, sp := range special {
		if s == sp {
			return true
		}
	}
	return false
}

// BuildVocabulary keeps the size-len(special) most frequent words of texts,
// ties broken alphabetically.
func BuildVocabulary(texts []string, size int) (*Vocabulary, error) {
	if size < len(special) {
		return nil, fmt.Errorf("vocabulary size %d smaller than the %d special tokens", size, len(special))
	}
	counts := make(map[string]int, 1<<12)
	for _, t := range texts {
		for _, w := range words(t) {
			if !isSpecial(w) {
				counts[w]++
			}
		}
	}
	type kv struct {
		k string
		v int
	}
	arr := make([]kv, 0, len(counts))
	for k, v := range counts {
		arr = append(arr, kv{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].v == arr[j].v {
			return arr[i].k < arr[j].k
		}
		return arr[i].v > arr[j].v
	})
	idToToken := append([]string{}, special...)
	for _, p := range arr {
		if len(idToToken) >= size {
			break
		}
		idToToken = append(idToToken, p.k)
	}
	return NewVocabulary(idToToken), nil
}

// BuildVocabularyFromFile reads one report per line.
func BuildVocabularyFromFile(path string, size int) (*Vocabulary, error) {
	lines, err := readLines(path, 0)
	if err != nil {
		return nil, err
	}
	return BuildVocabulary(lines, size)
}

// NewVocabulary indexes tokens by position.
func NewVocabulary(tokens []string) *Vocabulary {
	v := &Vocabulary{ids: make(map[string]int, len(tokens)), tokens: tokens}
	for i, t := range tokens {
		v.ids[t] = i
	}
	return v
}

// Tokens lists the vocabulary in id order.
func (v *Vocabulary) Tokens() []string { return v.tokens }

func (v *Vocabulary) VocabSize() int     { return len(v.tokens) }
func (v *Vocabulary) StartToken() string { return StartToken }
func (v *Vocabulary) EndToken() string   { return EndToken }

func (v *Vocabulary) lookup(tok string) int {
	if id, ok := v.ids[tok]; ok {
		return id
	}
	return v.ids[UnkToken]
}

// Encode returns exactly maxLength ids, truncated or zero-padded. No
// special tokens are added.
func (v *Vocabulary) Encode(text string, maxLength int) ([]int, error) {
	out := make([]int, maxLength)
	for i, w := range words(text) {
		if i == maxLength {
			break
		}
		out[i] = v.lookup(w)
	}
	return out, nil
}

// EncodeReport wraps text in [CLS] ... [SEP] for training targets.
func (v *Vocabulary) EncodeReport(text string, sequenceLength int) ([]int, error) {
	return v.Encode(StartToken+" "+text+" "+EndToken, sequenceLength)
}

func (v *Vocabulary) IDToToken(id int) (string, bool) {
	if id < 0 || id >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

func (v *Vocabulary) TokenToID(tok string) (int, bool) {
	id, ok := v.ids[tok]
	return id, ok
}

// Save writes one token per line in id order.
func (v *Vocabulary) Save(path string) error {
	return os.WriteFile(path, []byte(strings.Join(v.tokens, "\n")+"\n"), 0o644)
}

// LoadVocabulary reads a file written by Save.
func LoadVocabulary(path string) (*Vocabulary, error) {
	lines, err := readLines(path, 0)
	if err != nil {
		return nil, err
	}
	if len(lines) < len(special) || lines[0] != PadToken {
		return nil, fmt.Errorf("%s is not a vocabulary file", path)
	}
	return NewVocabulary(lines), nil
}
