package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitText_ChunkCount(t *testing.T) {
	tests := []struct {
		name    string
		textLen int
		size    int
		overlap int
		want    int
	}{
		{name: "exact multiple", textLen: 8, size: 4, overlap: 2, want: 3},
		{name: "with remainder", textLen: 10, size: 4, overlap: 2, want: 4},
		{name: "shorter than size", textLen: 3, size: 4, overlap: 2, want: 1},
		{name: "no overlap", textLen: 10, size: 5, overlap: 0, want: 2},
		{name: "single char", textLen: 1, size: 100, overlap: 10, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := strings.Repeat("a", tt.textLen)
			spans, err := SplitText(text, tt.size, tt.overlap)
			require.NoError(t, err)
			assert.Len(t, spans, tt.want)

			// ceil((len-overlap)/(size-overlap)) whenever the text is
			// longer than the overlap
			if tt.textLen > tt.overlap {
				step := tt.size - tt.overlap
				expected := (tt.textLen - tt.overlap + step - 1) / step
				assert.Equal(t, expected, len(spans))
			}
		})
	}
}

func TestSplitText_Deterministic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog, again and again and again."

	first, err := SplitText(text, 20, 5)
	require.NoError(t, err)
	second, err := SplitText(text, 20, 5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSplitText_ReconstructsOriginal(t *testing.T) {
	texts := []string{
		"short",
		strings.Repeat("abcdefghij", 37),
		"The capital of France is Paris. The capital of Italy is Rome.",
	}

	for _, text := range texts {
		for _, cfg := range []struct{ size, overlap int }{{10, 3}, {25, 0}, {7, 6}} {
			spans, err := SplitText(text, cfg.size, cfg.overlap)
			require.NoError(t, err)

			var rebuilt strings.Builder
			for i, span := range spans {
				if i == 0 {
					rebuilt.WriteString(span)
				} else {
					rebuilt.WriteString(span[cfg.overlap:])
				}
			}
			assert.Equal(t, text, rebuilt.String())
		}
	}
}

func TestSplitText_OverlapIsExact(t *testing.T) {
	text := strings.Repeat("0123456789", 10)
	spans, err := SplitText(text, 30, 10)
	require.NoError(t, err)

	for i := 1; i < len(spans); i++ {
		prev := spans[i-1]
		assert.Equal(t, prev[len(prev)-10:], spans[i][:10], "chunks %d and %d", i-1, i)
	}
}

func TestSplitText_MultiByteRunes(t *testing.T) {
	text := strings.Repeat("é", 10)

	spans, err := SplitText(text, 5, 1)
	require.NoError(t, err)

	// Windows are measured in runes: ceil((10-1)/4) = 3 chunks, every one
	// valid UTF-8 with no rune split across a boundary.
	require.Len(t, spans, 3)
	for i, span := range spans {
		assert.True(t, utf8.ValidString(span), "chunk %d is not valid UTF-8", i)
	}
	assert.Equal(t, 5, utf8.RuneCountInString(spans[0]))

	var rebuilt strings.Builder
	for i, span := range spans {
		if i == 0 {
			rebuilt.WriteString(span)
		} else {
			rebuilt.WriteString(string([]rune(span)[1:]))
		}
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestSplitText_MixedWidthReconstructs(t *testing.T) {
	text := "naïve café: 円安が進む中、観光客が増えた。 End."

	spans, err := SplitText(text, 9, 4)
	require.NoError(t, err)

	var rebuilt strings.Builder
	for i, span := range spans {
		assert.True(t, utf8.ValidString(span))
		if i == 0 {
			rebuilt.WriteString(span)
		} else {
			rebuilt.WriteString(string([]rune(span)[4:]))
		}
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestSplitText_EmptyText(t *testing.T) {
	spans, err := SplitText("", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestSplitText_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
	}{
		{name: "overlap equals size", size: 10, overlap: 10},
		{name: "overlap exceeds size", size: 10, overlap: 15},
		{name: "zero size", size: 0, overlap: 0},
		{name: "negative overlap", size: 10, overlap: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SplitText("some text", tt.size, tt.overlap)
			assert.ErrorIs(t, err, ErrInvalidChunkConfig)
		})
	}
}

func TestSplitDocument_OrdinalsAndBoundaries(t *testing.T) {
	doc := Document{ID: "doc-1", Text: strings.Repeat("x", 45)}

	chunks, err := SplitDocument(doc, 20, 5)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, chunk := range chunks {
		assert.Equal(t, "doc-1", chunk.DocumentID)
		assert.Equal(t, i, chunk.Ordinal)
	}
}
