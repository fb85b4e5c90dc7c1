package ingest

import (
	"errors"
	"fmt"
)

// Default chunking parameters, in characters.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// ErrInvalidChunkConfig is returned when overlap >= size or size <= 0.
// This is a configuration error and is rejected before any chunking work.
var ErrInvalidChunkConfig = errors.New("chunk overlap must be smaller than chunk size")

// Chunk is a contiguous slice of a document's text. Consecutive chunks of
// the same document overlap by exactly the configured overlap; the last
// chunk may be shorter than the nominal size. Chunks never cross document
// boundaries.
type Chunk struct {
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
}

// ValidateChunkConfig checks a (size, overlap) pair.
func ValidateChunkConfig(size, overlap int) error {
	if size <= 0 || overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidChunkConfig, size, overlap)
	}
	return nil
}

// SplitText deterministically splits text into overlapping windows of size
// characters. Windows are measured in runes, never splitting a multi-byte
// character, so every span is valid UTF-8. The number of chunks is
// ceil((chars-overlap)/(size-overlap)); an empty text yields no chunks.
func SplitText(text string, size, overlap int) ([]string, error) {
	if err := ValidateChunkConfig(size, overlap); err != nil {
		return nil, err
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	step := size - overlap
	spans := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; ; start += step {
		end := start + size
		if end >= len(runes) {
			spans = append(spans, string(runes[start:]))
			break
		}
		spans = append(spans, string(runes[start:end]))
	}
	return spans, nil
}

// SplitDocument chunks one document, assigning ordinals in text order.
func SplitDocument(doc Document, size, overlap int) ([]Chunk, error) {
	spans, err := SplitText(doc.Text, size, overlap)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, len(spans))
	for i, span := range spans {
		chunks[i] = Chunk{
			DocumentID: doc.ID,
			Ordinal:    i,
			Text:       span,
		}
	}
	return chunks, nil
}
