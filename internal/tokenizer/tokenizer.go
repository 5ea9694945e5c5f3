// Package tokenizer implements greedy longest-match tokenization over a
// vocabulary read from model metadata, with single-byte fallback tokens of
// the form <0xNN> for anything the vocabulary does not cover.
package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
)

// spaceMarker is the sentencepiece space substitute. Vocabularies that use
// it get spaces rewritten on encode and restored on decode.
const spaceMarker = "▁"

type Tokenizer struct {
	tokens     []string
	index      map[string]int
	special    map[int]bool
	maxLen     int
	bos        int
	eos        int
	spaceAware bool
}

// New builds a tokenizer from the vocabulary and the bos/eos token ids.
func New(tokens []string, bos, eos int) (*Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	if bos < 0 || bos >= len(tokens) || eos < 0 || eos >= len(tokens) {
		return nil, fmt.Errorf("bos/eos ids out of range: %d/%d with %d tokens", bos, eos, len(tokens))
	}

	t := &Tokenizer{
		tokens:  tokens,
		index:   make(map[string]int, len(tokens)),
		special: make(map[int]bool),
		bos:     bos,
		eos:     eos,
	}
	for i, tok := range tokens {
		t.index[tok] = i
		if len(tok) > t.maxLen {
			t.maxLen = len(tok)
		}
		if isSpecial(tok) {
			t.special[i] = true
		}
		if strings.Contains(tok, spaceMarker) {
			t.spaceAware = true
		}
	}
	return t, nil
}

// isSpecial covers control tokens and the byte-fallback range. Word pieces
// never use the <...> form, so the angle brackets are the marker.
func isSpecial(tok string) bool {
	return strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")
}

func (t *Tokenizer) VocabSize() int { return len(t.tokens) }
func (t *Tokenizer) BOS() int       { return t.bos }
func (t *Tokenizer) EOS() int       { return t.eos }

// TokenID looks up a surface form, control tokens included.
func (t *Tokenizer) TokenID(tok string) (int, bool) {
	id, ok := t.index[tok]
	return id, ok
}

// Token returns the surface form of id, or the empty string when out of
// range.
func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.tokens) {
		return ""
	}
	return t.tokens[id]
}

// Encode tokenizes text greedily: at each position the longest vocabulary
// match wins, and a byte that starts no match falls back to its <0xNN>
// token. Control tokens embedded in the text (turn markers, for instance)
// match like any other vocabulary entry.
func (t *Tokenizer) Encode(text string, addBOS bool) []int {
	if t.spaceAware {
		text = strings.ReplaceAll(text, " ", spaceMarker)
	}
	var ids []int
	if addBOS {
		ids = append(ids, t.bos)
	}
	for i := 0; i < len(text); {
		best, bestLen := -1, 0
		limit := t.maxLen
		if rem := len(text) - i; rem < limit {
			limit = rem
		}
		for l := limit; l >= 1; l-- {
			if id, ok := t.index[text[i:i+l]]; ok {
				best, bestLen = id, l
				break
			}
		}
		if best >= 0 {
			ids = append(ids, best)
			i += bestLen
			continue
		}
		if id, ok := t.index[fmt.Sprintf("<0x%02X>", text[i])]; ok {
			ids = append(ids, id)
		}
		i++
	}
	return ids
}

// Decode reconstructs text from token ids. Special tokens are dropped;
// byte-fallback tokens decode to their raw byte.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.tokens) {
			continue
		}
		tok := t.tokens[id]
		if b, ok := byteToken(tok); ok {
			sb.WriteByte(b)
			continue
		}
		if t.special[id] {
			continue
		}
		sb.WriteString(tok)
	}
	if t.spaceAware {
		return strings.ReplaceAll(sb.String(), spaceMarker, " ")
	}
	return sb.String()
}

func byteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
