package dataset

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/logger"
)

// Record is one training example after projection.
type Record struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// Transform reads the source JSON array and projects each item through the
// configured field mapping. The projection is strict: an item missing either
// field, or carrying a non-string value, fails the whole transformation with
// the item's index.
func Transform(cfg config.Dataset) ([]Record, error) {
	data, err := os.ReadFile(cfg.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("reading dataset source: %w", err)
	}

	var items []map[string]interface{}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decoding dataset source %s: %w", cfg.SourcePath, err)
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		prompt, err := stringField(item, cfg.PromptField)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		completion, err := stringField(item, cfg.CompletionField)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		records = append(records, Record{Prompt: prompt, Completion: completion})
	}

	logger.Log.Info("dataset transformed", "source", cfg.SourcePath, "records", len(records))
	return records, nil
}

func stringField(item map[string]interface{}, field string) (string, error) {
	v, ok := item[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, want string", field, v)
	}
	if s == "" {
		return "", fmt.Errorf("field %q is empty", field)
	}
	return s, nil
}

// WriteRecords persists the transformed records as a pretty-printed JSON
// array with non-ASCII text preserved. The file is an observable artifact:
// a later run can load it without re-deriving the projection.
func WriteRecords(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadRecords reads a transformed-records file back.
func LoadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return records, nil
}

var tableSchema = arrow.NewSchema([]arrow.Field{
	{Name: "prompt", Type: arrow.BinaryTypes.String},
	{Name: "completion", Type: arrow.BinaryTypes.String},
}, nil)

// Table is the in-memory tabular view of a record set: the raw records for
// iteration plus an Arrow record batch for columnar consumers.
type Table struct {
	records []Record
	batch   arrow.Record
}

func NewTable(records []Record) *Table {
	b := array.NewRecordBuilder(memory.DefaultAllocator, tableSchema)
	defer b.Release()

	prompts := b.Field(0).(*array.StringBuilder)
	completions := b.Field(1).(*array.StringBuilder)
	for _, r := range records {
		prompts.Append(r.Prompt)
		completions.Append(r.Completion)
	}

	return &Table{records: records, batch: b.NewRecord()}
}

func (t *Table) NumRows() int        { return len(t.records) }
func (t *Table) Records() []Record   { return t.records }
func (t *Table) Arrow() arrow.Record { return t.batch }

// Release frees the Arrow buffers. The Go-side records stay valid.
func (t *Table) Release() {
	if t.batch != nil {
		t.batch.Release()
		t.batch = nil
	}
}

// Split holds the three disjoint partitions.
type Split struct {
	Train      *Table
	Validation *Table
	Test       *Table
}

func (s *Split) Release() {
	s.Train.Release()
	s.Validation.Release()
	s.Test.Release()
}

// Partition shuffles the records with the seed and cuts them into
// train/validation/test by the configured fractions. Deterministic for a
// fixed seed and input order; partitions are disjoint and cover the input.
func Partition(records []Record, trainFrac, valFrac float64, seed int64) (*Split, error) {
	n := len(records)
	if n < 3 {
		return nil, fmt.Errorf("dataset too small to partition: %d records", n)
	}

	rng := rand.New(rand.NewSource(seed))
	shuffled := make([]Record, n)
	for i, j := range rng.Perm(n) {
		shuffled[j] = records[i]
	}

	nTrain := int(float64(n)*trainFrac + 0.5)
	nVal := int(float64(n)*valFrac + 0.5)
	if nTrain+nVal >= n {
		nTrain = n - nVal - 1
	}

	split := &Split{
		Train:      NewTable(shuffled[:nTrain]),
		Validation: NewTable(shuffled[nTrain : nTrain+nVal]),
		Test:       NewTable(shuffled[nTrain+nVal:]),
	}

	logger.Log.Info("dataset partitioned",
		"train", split.Train.NumRows(),
		"validation", split.Validation.NumRows(),
		"test", split.Test.NumRows(),
		"seed", seed)
	return split, nil
}
