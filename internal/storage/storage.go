package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/visionsearch/internal/models"
)

const batchSize = 10 // Number of entries to batch write

// Recorder keeps a history of uploads and render cycles
type Recorder interface {
	// RecordUpload stores a finished upload and its index refs
	RecordUpload(ctx context.Context, session models.UploadSession, refs []models.IndexRef) error

	// RecordCycle stores the outcome of one label query
	RecordCycle(ctx context.Context, cycle CycleRecord) error

	// Flush ensures all pending entries are saved
	Flush() error
}

// CycleRecord is one search + render pass as seen by the user
type CycleRecord struct {
	SessionID uuid.UUID
	FileName  string
	Kind      models.ArtifactKind
	Query     string
	Results   []models.SearchResult
	Artifacts []models.RenderedArtifact
	Failures  []models.RenderFailure
	Err       error
	At        time.Time
}

// Entry is one line of the JSON journal
type Entry struct {
	Type       string                    `json:"type"`
	Session    string                    `json:"session"`
	File       string                    `json:"file"`
	Kind       models.ArtifactKind       `json:"kind"`
	Indexes    []models.IndexRef         `json:"indexes,omitempty"`
	Query      string                    `json:"query,omitempty"`
	Detections int                       `json:"detections,omitempty"`
	Artifacts  []models.RenderedArtifact `json:"artifacts,omitempty"`
	Failures   []string                  `json:"failures,omitempty"`
	Error      string                    `json:"error,omitempty"`
	At         time.Time                 `json:"at"`
}

// JournalStore batches history entries into a JSON file
type JournalStore struct {
	entries   []Entry
	mu        sync.Mutex
	outputDir string
}

// NewJournalStore creates a journal under outputDir
func NewJournalStore(outputDir string) *JournalStore {
	return &JournalStore{
		entries:   []Entry{},
		outputDir: outputDir,
	}
}

// Path returns the journal file location
func (s *JournalStore) Path() string {
	return filepath.Join(s.outputDir, "history.json")
}

// RecordUpload adds an upload entry
func (s *JournalStore) RecordUpload(ctx context.Context, session models.UploadSession, refs []models.IndexRef) error {
	return s.add(Entry{
		Type:    "upload",
		Session: session.ID.String(),
		File:    session.File.Name,
		Kind:    session.Kind,
		Indexes: refs,
		At:      time.Now(),
	})
}

// RecordCycle adds a render cycle entry
func (s *JournalStore) RecordCycle(ctx context.Context, cycle CycleRecord) error {
	entry := Entry{
		Type:       "cycle",
		Session:    cycle.SessionID.String(),
		File:       cycle.FileName,
		Kind:       cycle.Kind,
		Query:      cycle.Query,
		Detections: models.CountDetections(cycle.Results),
		Artifacts:  cycle.Artifacts,
		At:         cycle.At,
	}
	for _, f := range cycle.Failures {
		entry.Failures = append(entry.Failures, f.Error())
	}
	if cycle.Err != nil {
		entry.Error = cycle.Err.Error()
	}
	return s.add(entry)
}

// add appends an entry and flushes when the batch is full
func (s *JournalStore) add(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)

	// Write to disk when batch is full
	if len(s.entries) >= batchSize {
		if err := s.flush(); err != nil {
			return fmt.Errorf("failed to flush history: %w", err)
		}
	}
	return nil
}

// Flush writes all pending entries to disk
func (s *JournalStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// Entries reads back everything written so far, pending entries included
func (s *JournalStore) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readExisting()
	if err != nil {
		return nil, err
	}
	return append(existing, s.entries...), nil
}

func (s *JournalStore) readExisting() ([]Entry, error) {
	var existing []Entry
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if err := json.Unmarshal(data, &existing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal existing history: %w", err)
	}
	return existing, nil
}

// Internal flush implementation
func (s *JournalStore) flush() error {
	if len(s.entries) == 0 {
		return nil
	}

	existing, err := s.readExisting()
	if err != nil {
		return err
	}
	all := append(existing, s.entries...)

	if err := os.MkdirAll(s.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for history: %w", err)
	}

	// Write through a temp file and rename it into place
	tmp, err := os.CreateTemp(s.outputDir, "history-*.json")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(tmp).Encode(all); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	s.entries = nil // Clear the batch
	return nil
}

// Nop discards history
type Nop struct{}

func (Nop) RecordUpload(context.Context, models.UploadSession, []models.IndexRef) error { return nil }
func (Nop) RecordCycle(context.Context, CycleRecord) error                               { return nil }
func (Nop) Flush() error                                                                 { return nil }
