package train

import (
	"fmt"

	"github.com/23skdu/longbow-fletcher/internal/dataset"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
)

// RenderPrompt wraps a user query in the conversation turn markers the
// base model was trained on, leaving the model turn open for completion.
func RenderPrompt(query string) string {
	return fmt.Sprintf("<start_of_turn>user\n%s<end_of_turn>\n<start_of_turn>model\n", query)
}

// Example is one training sequence: next-token inputs and targets, with
// the mask selecting the completion region so prompt tokens carry no loss.
type Example struct {
	Input  []int
	Target []int
	Mask   []bool
}

// Tokens counts the example's input length.
func (e *Example) Tokens() int { return len(e.Input) }

// BuildExample tokenizes one record: bos + templated prompt + completion +
// eos, shifted into input/target pairs and truncated to seqLen positions.
// Only completion tokens (eos included) are unmasked.
func BuildExample(tok *tokenizer.Tokenizer, rec dataset.Record, seqLen int) Example {
	promptIDs := tok.Encode(RenderPrompt(rec.Prompt), true)
	full := append(promptIDs, tok.Encode(rec.Completion, false)...)
	full = append(full, tok.EOS())

	if len(full) > seqLen+1 {
		full = full[:seqLen+1]
	}

	n := len(full) - 1
	e := Example{
		Input:  full[:n],
		Target: full[1:],
		Mask:   make([]bool, n),
	}
	for i := 0; i < n; i++ {
		// Target at position i is full[i+1]; unmask once it falls in
		// the completion.
		e.Mask[i] = i+1 >= len(promptIDs)
	}
	return e
}

// BuildExamples tokenizes a whole split.
func BuildExamples(tok *tokenizer.Tokenizer, records []dataset.Record, seqLen int) []Example {
	out := make([]Example, len(records))
	for i, rec := range records {
		out[i] = BuildExample(tok, rec, seqLen)
	}
	return out
}
