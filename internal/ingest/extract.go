package ingest

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
)

// Document is one ingested file with its extracted text. Immutable once
// created.
type Document struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Text string `json:"-"`
}

// ExtractText pulls the plain text out of a PDF file.
func ExtractText(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	r, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract text from %s: %w", filepath.Base(path), err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", fmt.Errorf("failed to read extracted text from %s: %w", filepath.Base(path), err)
	}
	return buf.String(), nil
}

// LoadDocuments extracts one Document per staged file, in the given order.
func LoadDocuments(paths []string) ([]Document, error) {
	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		text, err := ExtractText(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{
			ID:   uuid.NewString(),
			Path: path,
			Text: text,
		})
	}
	return docs, nil
}
