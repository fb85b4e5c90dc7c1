package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/classpoint/ragserver/internal/ingest"
)

// SnapshotFile is the serialized index inside each datasource directory.
// Its presence is what makes a datasource directory a valid datasource.
const SnapshotFile = "index.json"

// Entry pairs a chunk with its embedding. The chunk text rides along so
// retrieval can reconstruct context without re-reading the source PDFs.
type Entry struct {
	Chunk     ingest.Chunk `json:"chunk"`
	Embedding []float32    `json:"embedding"`
}

// Snapshot is the persisted, queryable index of one datasource: every
// (chunk, embedding) pair, in document order then chunk ordinal order.
// Immutable once written.
type Snapshot struct {
	Datasource string    `json:"datasource"`
	CreatedAt  time.Time `json:"created_at"`
	Dimension  int       `json:"dimension"`
	Documents  []string  `json:"documents"`
	Entries    []Entry   `json:"entries"`
}

// WriteFile serializes the snapshot to path.
func (s *Snapshot) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return f.Close()
}

// LoadSnapshot reads the snapshot of a ready datasource from root/name.
func LoadSnapshot(root, name string) (*Snapshot, error) {
	f, err := os.Open(filepath.Join(root, name, SnapshotFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot for %s: %w", name, err)
	}
	defer f.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(f).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", name, err)
	}
	return &snapshot, nil
}
