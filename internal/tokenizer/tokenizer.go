// Package tokenizer implements a vocabulary tokenizer: greedy
// longest-match encoding against a fixed token list, concatenating
// decode. The vocabulary file carries one token per line; the line
// number is the token id.
package tokenizer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/23skdu/longbow-infill/internal/logger"
)

// ErrEmptyVocab means the vocabulary had no usable tokens.
var ErrEmptyVocab = errors.New("empty vocabulary")

// UnknownToken is the fallback entry for characters outside the
// vocabulary. Optional; without it unknown characters are dropped.
const UnknownToken = "<unk>"

type Vocab struct {
	ids    map[string]int
	tokens []string
	maxLen int // longest token, in runes
	unkID  int // -1 when the vocabulary has no unknown entry
}

// New builds a vocabulary from an ordered token list.
func New(tokens []string) (*Vocab, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyVocab
	}
	v := &Vocab{
		ids:    make(map[string]int, len(tokens)),
		tokens: tokens,
		unkID:  -1,
	}
	for i, tok := range tokens {
		if tok == "" {
			return nil, fmt.Errorf("empty token at id %d", i)
		}
		if _, dup := v.ids[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q at id %d", tok, i)
		}
		v.ids[tok] = i
		if n := len([]rune(tok)); n > v.maxLen {
			v.maxLen = n
		}
	}
	if id, ok := v.ids[UnknownToken]; ok {
		v.unkID = id
	}
	return v, nil
}

// Load reads a vocabulary file, one token per line. Blank lines are
// not allowed: every line is a token and line order fixes the ids.
func Load(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		tokens = append(tokens, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	v, err := New(tokens)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Log.Component("tokenizer").Info("vocabulary loaded", "path", path, "tokens", len(tokens))
	return v, nil
}

// Size returns the vocabulary size.
func (v *Vocab) Size() int { return len(v.tokens) }

// Encode maps text to ids by greedy longest match: at each position the
// longest vocabulary entry wins. Characters with no match encode as
// the unknown token, or are dropped when the vocabulary has none.
func (v *Vocab) Encode(text string) []int {
	runes := []rune(text)
	var ids []int
	for i := 0; i < len(runes); {
		limit := v.maxLen
		if rest := len(runes) - i; limit > rest {
			limit = rest
		}

		matched := 0
		for n := limit; n >= 1; n-- {
			if id, ok := v.ids[string(runes[i:i+n])]; ok {
				ids = append(ids, id)
				matched = n
				break
			}
		}
		if matched == 0 {
			if v.unkID >= 0 {
				ids = append(ids, v.unkID)
			}
			matched = 1
		}
		i += matched
	}
	return ids
}

// Decode concatenates the tokens behind ids, skipping anything outside
// the vocabulary (span sentinels, control ids).
func (v *Vocab) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.tokens) {
			continue
		}
		b.WriteString(v.tokens[id])
	}
	return b.String()
}
