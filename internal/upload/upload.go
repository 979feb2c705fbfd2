package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bdougie/visionsearch/internal/models"
)

// Uploader sends a file to the backend and returns its index refs
type Uploader interface {
	Upload(ctx context.Context, file models.FileHandle, onSent func(sent int64)) ([]models.IndexRef, error)
}

// Event is one step of an upload's progress stream. The last event on the
// stream has Done or Err set.
type Event struct {
	Percent int
	Done    bool
	Err     error
}

// Manager owns the selected file and its upload
type Manager struct {
	uploader Uploader
	logger   *slog.Logger

	mu      sync.Mutex
	kind    models.ArtifactKind
	session *models.UploadSession
}

// NewManager creates a session manager backed by uploader
func NewManager(uploader Uploader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{uploader: uploader, logger: logger}
}

// SelectKind records the artifact kind. A selected file gets a fresh
// session so earlier uploads no longer count as current.
func (m *Manager) SelectKind(kind models.ArtifactKind) (models.UploadSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kind = kind
	if m.session == nil {
		return models.UploadSession{}, false
	}
	s := models.NewUploadSession(m.session.File, kind)
	m.session = &s
	return s, true
}

// SelectFile replaces any existing session with one for file
func (m *Manager) SelectFile(file models.FileHandle) models.UploadSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := models.NewUploadSession(file, m.kind)
	m.session = &s
	m.logger.Debug("File selected", "session", s.ID, "file", file.Name, "mime", file.MIMEType)
	return s
}

// Session returns a copy of the current session
func (m *Manager) Session() (models.UploadSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return models.UploadSession{}, false
	}
	return *m.session, true
}

// Kind returns the selected artifact kind
func (m *Manager) Kind() models.ArtifactKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind
}

// Reset discards the session and the selected kind
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	m.kind = ""
}

// Start uploads the current session's file. Progress is reported on the
// returned Transfer's event stream.
func (m *Manager) Start(ctx context.Context) (*Transfer, error) {
	m.mu.Lock()
	if m.session == nil || !m.session.File.Valid() {
		m.mu.Unlock()
		return nil, models.UploadError(fmt.Errorf("%w: no file selected", models.ErrPrecondition))
	}
	if m.session.Kind == "" {
		m.mu.Unlock()
		return nil, models.UploadError(fmt.Errorf("%w: no artifact kind selected", models.ErrPrecondition))
	}
	m.session.ProgressPercent = 0
	session := *m.session
	m.mu.Unlock()

	t := &Transfer{
		session: session,
		events:  make(chan Event, 102),
		done:    make(chan struct{}),
		last:    -1,
	}
	t.emit(Event{Percent: 0})

	go func() {
		refs, err := m.uploader.Upload(ctx, session.File, func(sent int64) {
			pct := percentOf(sent, session.File.Size)
			if t.emit(Event{Percent: pct}) {
				m.setProgress(session.ID, pct)
			}
		})
		if err != nil {
			m.setProgress(session.ID, 0)
			m.logger.Error("Upload failed", "session", session.ID, "file", session.File.Name, "error", err)
			t.finish(nil, models.UploadError(err))
			return
		}
		m.setProgress(session.ID, 100)
		m.logger.Info("Upload complete", "session", session.ID, "file", session.File.Name, "indexes", len(refs))
		t.finish(refs, nil)
	}()

	return t, nil
}

func (m *Manager) setProgress(id uuid.UUID, pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil && m.session.ID == id {
		m.session.ProgressPercent = pct
	}
}

func percentOf(sent, size int64) int {
	if size <= 0 {
		return 0
	}
	pct := int(sent * 100 / size)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Transfer is an upload in flight
type Transfer struct {
	session models.UploadSession
	events  chan Event
	done    chan struct{}

	mu     sync.Mutex
	last   int
	closed bool
	refs   []models.IndexRef
	err    error
}

// Session returns the session being uploaded
func (t *Transfer) Session() models.UploadSession {
	return t.session
}

// Events streams progress percentages and ends with a terminal event
func (t *Transfer) Events() <-chan Event {
	return t.events
}

// Wait blocks until the upload settles
func (t *Transfer) Wait() ([]models.IndexRef, error) {
	<-t.done
	return t.refs, t.err
}

// emit publishes a progress event when the percentage moved forward.
// Percentages only increase so the buffer never fills.
func (t *Transfer) emit(ev Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || ev.Percent <= t.last {
		return false
	}
	t.last = ev.Percent
	t.events <- ev
	return true
}

func (t *Transfer) finish(refs []models.IndexRef, err error) {
	t.mu.Lock()
	t.refs, t.err = refs, err
	if err != nil {
		t.events <- Event{Percent: 0, Err: err}
	} else {
		t.events <- Event{Percent: 100, Done: true}
	}
	t.closed = true
	close(t.events)
	t.mu.Unlock()
	close(t.done)
}
