package index

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/classpoint/ragserver/internal/ingest"
)

// Embedder turns text into a fixed-dimension vector. Assumed deterministic
// for identical input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Progress tracks a build for observability. Not required for correctness.
type Progress struct {
	embedded atomic.Int32
	total    atomic.Int32
}

// Counts returns chunks embedded so far and the total to embed.
func (p *Progress) Counts() (embedded, total int) {
	return int(p.embedded.Load()), int(p.total.Load())
}

// DocumentLoader extracts one Document per staged file path.
type DocumentLoader func(paths []string) ([]ingest.Document, error)

// BuilderConfig carries the knobs of the build pipeline.
type BuilderConfig struct {
	ChunkSize    int
	ChunkOverlap int
	EmbedTimeout time.Duration
	Retry        RetryConfig

	// Loader defaults to PDF text extraction. Swappable so other
	// document types, and tests, can feed the pipeline.
	Loader DocumentLoader
}

func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		ChunkSize:    ingest.DefaultChunkSize,
		ChunkOverlap: ingest.DefaultChunkOverlap,
		EmbedTimeout: 30 * time.Second,
		Retry:        DefaultRetryConfig(),
	}
}

// Builder runs the extract -> chunk -> embed -> persist pipeline that
// promotes a staging session into a ready datasource. Builds are atomic
// from the registry's point of view: the entry flips to ready only after
// the snapshot is fully on disk, and any failure rolls back the staging
// files, any partial snapshot, and the registry entry.
type Builder struct {
	registry *Registry
	staging  *ingest.StagingManager
	embedder Embedder
	root     string
	config   BuilderConfig

	mu       sync.Mutex
	progress map[string]*Progress
	locks    map[string]*sync.Mutex
}

func NewBuilder(registry *Registry, staging *ingest.StagingManager, embedder Embedder, root string, config BuilderConfig) *Builder {
	if config.Loader == nil {
		config.Loader = ingest.LoadDocuments
	}
	return &Builder{
		registry: registry,
		staging:  staging,
		embedder: embedder,
		root:     root,
		config:   config,
		progress: make(map[string]*Progress),
		locks:    make(map[string]*sync.Mutex),
	}
}

// nameLock returns the mutex serializing registry and filesystem mutation
// for one datasource name, so commit, rollback and delete never interleave.
func (b *Builder) nameLock(name string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[name] = lock
	}
	return lock
}

// Start admits a build synchronously, so a concurrent request for the same
// name gets its conflict immediately, then runs the pipeline in the
// background. ctx should outlive the request; cancelling it rolls the
// build back.
func (b *Builder) Start(ctx context.Context, name string) error {
	if err := b.admit(name); err != nil {
		return err
	}

	go func() {
		if err := b.run(ctx, name); err != nil {
			log.Printf("Index build for %q failed: %v", name, err)
		}
	}()
	return nil
}

// Build runs the full pipeline synchronously.
func (b *Builder) Build(ctx context.Context, name string) error {
	if err := b.admit(name); err != nil {
		return err
	}
	return b.run(ctx, name)
}

// admit validates inputs and claims the name, before any expensive work.
func (b *Builder) admit(name string) error {
	if err := ingest.ValidateDatasourceName(name); err != nil {
		return err
	}
	if err := ingest.ValidateChunkConfig(b.config.ChunkSize, b.config.ChunkOverlap); err != nil {
		return err
	}
	if !b.staging.Exists(name) {
		return fmt.Errorf("%w: %s", ingest.ErrStagingNotFound, name)
	}
	return b.registry.Register(name)
}

func (b *Builder) run(ctx context.Context, name string) (err error) {
	progress := &Progress{}
	b.mu.Lock()
	b.progress[name] = progress
	b.mu.Unlock()

	// Every exit path that is not a fully persisted snapshot tears the
	// build down as if it never started.
	defer func() {
		b.mu.Lock()
		delete(b.progress, name)
		b.mu.Unlock()
		if err != nil {
			b.rollback(name)
		}
	}()

	paths, err := b.staging.StagedFiles(name)
	if err != nil {
		return err
	}

	docs, err := b.config.Loader(paths)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexBuildFailed, err)
	}

	docChunks := make([][]ingest.Chunk, len(docs))
	total := 0
	for i, doc := range docs {
		chunks, err := ingest.SplitDocument(doc, b.config.ChunkSize, b.config.ChunkOverlap)
		if err != nil {
			return err
		}
		docChunks[i] = chunks
		total += len(chunks)
	}
	progress.total.Store(int32(total))

	entries, dimension, err := b.embedAll(ctx, docs, docChunks, progress)
	if err != nil {
		return err
	}

	documents := make([]string, len(docs))
	for i, doc := range docs {
		documents[i] = filepath.Base(doc.Path)
	}

	snapshot := &Snapshot{
		Datasource: name,
		CreatedAt:  time.Now(),
		Dimension:  dimension,
		Documents:  documents,
		Entries:    entries,
	}

	if err := b.commit(name, snapshot); err != nil {
		return err
	}

	log.Printf("Datasource %q ready: %d documents, %d chunks", name, len(docs), total)
	return nil
}

// commit persists the snapshot and flips the registry entry to ready, as
// one per-name critical section. The snapshot is written into the staging
// directory and the whole directory is renamed into the datasource root,
// so the permanent root never holds a half-built datasource.
func (b *Builder) commit(name string, snapshot *Snapshot) error {
	lock := b.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := snapshot.WriteFile(filepath.Join(b.staging.Dir(name), SnapshotFile)); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexBuildFailed, err)
	}
	if err := b.staging.Promote(name, filepath.Join(b.root, name)); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexBuildFailed, err)
	}
	return b.registry.MarkReady(name)
}

// embedAll embeds every chunk. Documents are processed in parallel; within
// one document chunks are embedded in ordinal order. Entries come back in
// document order then ordinal order regardless of scheduling.
func (b *Builder) embedAll(ctx context.Context, docs []ingest.Document, docChunks [][]ingest.Chunk, progress *Progress) ([]Entry, int, error) {
	offsets := make([]int, len(docs))
	total := 0
	for i, chunks := range docChunks {
		offsets[i] = total
		total += len(chunks)
	}
	entries := make([]Entry, total)

	g, gctx := errgroup.WithContext(ctx)
	for i := range docs {
		i := i
		chunks := docChunks[i]
		offset := offsets[i]
		g.Go(func() error {
			for j, chunk := range chunks {
				vector, err := b.embedChunk(gctx, chunk.Text)
				if err != nil {
					return fmt.Errorf("%w: embedding chunk %d of %s: %v",
						ErrIndexBuildFailed, chunk.Ordinal, filepath.Base(docs[i].Path), err)
				}
				entries[offset+j] = Entry{Chunk: chunk, Embedding: vector}
				progress.embedded.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	dimension := 0
	if len(entries) > 0 {
		dimension = len(entries[0].Embedding)
	}
	return entries, dimension, nil
}

// embedChunk bounds each embedding call and retries transient failures
// with exponential backoff before giving up.
func (b *Builder) embedChunk(ctx context.Context, text string) ([]float32, error) {
	return retryWithBackoff(ctx, b.config.Retry, func() ([]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.config.EmbedTimeout)
		defer cancel()
		return b.embedder.Embed(callCtx, text)
	})
}

// rollback removes every trace of an admitted build: staged files, any
// partially promoted datasource directory, and the registry entry.
func (b *Builder) rollback(name string) {
	lock := b.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := b.staging.Discard(name); err != nil {
		log.Printf("Rollback: failed to discard staging for %q: %v", name, err)
	}
	if err := os.RemoveAll(filepath.Join(b.root, name)); err != nil {
		log.Printf("Rollback: failed to remove partial datasource %q: %v", name, err)
	}
	b.registry.Remove(name)
}

// Progress reports a running build's counters. ok is false when no build
// is in flight for the name.
func (b *Builder) Progress(name string) (embedded, total int, ok bool) {
	b.mu.Lock()
	progress, ok := b.progress[name]
	b.mu.Unlock()
	if !ok {
		return 0, 0, false
	}
	embedded, total = progress.Counts()
	return embedded, total, true
}

// Delete removes a ready datasource: registry entry first, then documents
// and snapshot, under the per-name lock so no build can commit into the
// directory being removed. Deleting a building datasource is refused.
func (b *Builder) Delete(name string) error {
	if err := ingest.ValidateDatasourceName(name); err != nil {
		return err
	}

	lock := b.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	switch b.registry.Status(name) {
	case StatusNotFound:
		return fmt.Errorf("%w: %s", ErrDatasourceNotFound, name)
	case StatusBuilding:
		return fmt.Errorf("%w: %s", ErrBuildInProgress, name)
	}

	b.registry.Remove(name)
	if err := os.RemoveAll(filepath.Join(b.root, name)); err != nil {
		return fmt.Errorf("failed to remove datasource files: %w", err)
	}
	return nil
}
