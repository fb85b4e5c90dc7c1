package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidFileType is returned when an uploaded file is not a PDF.
	ErrInvalidFileType = errors.New("only PDF files are accepted")

	// ErrAlreadyStaging is returned when a staging directory for the
	// requested datasource name already exists.
	ErrAlreadyStaging = errors.New("datasource is already staged")

	// ErrStagingNotFound is returned when no staging session exists for a name.
	ErrStagingNotFound = errors.New("no staged files for datasource")

	// ErrInvalidDatasourceName is returned when a datasource name is not a
	// single clean path element.
	ErrInvalidDatasourceName = errors.New("invalid datasource name")
)

// ValidateDatasourceName rejects names that could escape the staging or
// datasource roots when joined into a path. A valid name is a single path
// element: non-empty, no separators, not "." or "..".
func ValidateDatasourceName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidDatasourceName, name)
	}
	return nil
}

// UploadFile is one file in a staging batch.
type UploadFile struct {
	Name   string
	Reader io.Reader
}

// Session is an ephemeral holding area for uploaded files before a
// datasource is created from them.
type Session struct {
	ID        string    `json:"session_id"`
	Name      string    `json:"datasource_name"`
	Dir       string    `json:"-"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// StagingManager owns the staging root. Each staging session lives in its
// own directory named after the target datasource; nothing under the
// permanent datasource root is touched until an index build succeeds.
type StagingManager struct {
	root string
}

func NewStagingManager(root string) (*StagingManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	return &StagingManager{root: root}, nil
}

// Stage writes the batch into a fresh staging directory for name. Every
// file must be a PDF; the first offender aborts the whole batch and the
// directory is removed, so a rejected upload leaves no trace. Duplicate
// filenames within the batch get an incrementing _N suffix before the
// extension rather than overwriting.
func (m *StagingManager) Stage(name string, files []UploadFile) (*Session, error) {
	if err := ValidateDatasourceName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(m.root, name)

	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyStaging, name)
		}
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	session := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Dir:       dir,
		CreatedAt: time.Now(),
	}

	for _, file := range files {
		if !strings.EqualFold(filepath.Ext(file.Name), ".pdf") {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("%w: %s", ErrInvalidFileType, file.Name)
		}

		path := m.dedupePath(dir, filepath.Base(file.Name))
		if err := writeFile(path, file.Reader); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to save %s: %w", file.Name, err)
		}
		session.Files = append(session.Files, filepath.Base(path))
	}

	return session, nil
}

// dedupePath resolves duplicate filenames by appending _1, _2, ... before
// the extension until the path is free.
func (m *StagingManager) dedupePath(dir, filename string) string {
	path := filepath.Join(dir, filename)
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	counter := 1
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, counter, ext))
		counter++
	}
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Dir returns the staging directory for a datasource name.
func (m *StagingManager) Dir(name string) string {
	return filepath.Join(m.root, name)
}

// Exists reports whether a staging session exists for name.
func (m *StagingManager) Exists(name string) bool {
	info, err := os.Stat(m.Dir(name))
	return err == nil && info.IsDir()
}

// StagedFiles lists the staged PDF files for name in lexical order.
func (m *StagingManager) StagedFiles(name string) ([]string, error) {
	entries, err := os.ReadDir(m.Dir(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStagingNotFound, name)
		}
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			files = append(files, filepath.Join(m.Dir(name), e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Discard deletes a staging session and everything in it.
func (m *StagingManager) Discard(name string) error {
	return os.RemoveAll(m.Dir(name))
}

// Promote moves the whole staging directory to dest. The rename is the
// commit point of the two-phase upload flow.
func (m *StagingManager) Promote(name, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create datasource root: %w", err)
	}
	if err := os.Rename(m.Dir(name), dest); err != nil {
		return fmt.Errorf("failed to promote staged files: %w", err)
	}
	return nil
}
