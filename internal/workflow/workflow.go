package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdougie/visionsearch/internal/backend"
	"github.com/bdougie/visionsearch/internal/config"
	"github.com/bdougie/visionsearch/internal/labels"
	"github.com/bdougie/visionsearch/internal/models"
	"github.com/bdougie/visionsearch/internal/render"
	"github.com/bdougie/visionsearch/internal/search"
	"github.com/bdougie/visionsearch/internal/storage"
	"github.com/bdougie/visionsearch/internal/upload"
)

// ErrSuperseded is returned when an operation finished after the session or
// query it belonged to was replaced. Its results are dropped.
var ErrSuperseded = errors.New("superseded by a newer operation")

// Options tunes the workflow
type Options struct {
	Logger       *slog.Logger
	History      storage.Recorder
	StalePolicy  config.StalePolicy
	StrictRender bool
	ClearRemote  bool
	UseCatalog   bool
}

// Snapshot is a copy of the workflow state for display
type Snapshot struct {
	State     State
	Step      string
	Session   *models.UploadSession
	Kind      models.ArtifactKind
	Refs      []models.IndexRef
	Labels    models.LabelSet
	Query     string
	Results   []models.SearchResult
	Artifacts []models.RenderedArtifact
	Failures  []models.RenderFailure
	Err       error
}

// Workflow sequences upload, label discovery, search and rendering for a
// single user. Every entry point a driver needs is a method on Workflow.
type Workflow struct {
	backend *backend.Client
	uploads *upload.Manager
	labels  *labels.Client
	search  *search.Client
	render  *render.Orchestrator
	history storage.Recorder
	logger  *slog.Logger
	opts    Options

	mu         sync.Mutex
	state      State
	step       string
	epoch      uint64
	queryGen   uint64
	latestDone bool
	refs       []models.IndexRef
	pending    []string
	labelSet   models.LabelSet
	query      string
	results    []models.SearchResult
	artifacts  []models.RenderedArtifact
	failures   []models.RenderFailure
	lastErr    error
}

// New wires a workflow to the backend client
func New(client *backend.Client, opts Options) *Workflow {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	history := opts.History
	if history == nil {
		history = storage.Nop{}
	}
	if opts.StalePolicy == "" {
		opts.StalePolicy = config.LastWriterWins
	}

	return &Workflow{
		backend: client,
		uploads: upload.NewManager(client, logger),
		labels:  labels.NewClient(client, logger),
		search:  search.NewClient(client, logger),
		render:  render.New(client, logger),
		history: history,
		logger:  logger,
		opts:    opts,
		state:   StateIdle,
	}
}

// SelectType sets the artifact kind and drops everything derived from the
// previous selection.
func (w *Workflow) SelectType(kind models.ArtifactKind) error {
	if _, err := models.ParseArtifactKind(string(kind)); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.epoch++
	w.clearDerived()
	_, hasFile := w.uploads.SelectKind(kind)
	if hasFile {
		w.moveTo(StateFileSelected, StepFileSelected)
	} else {
		w.moveTo(StateIdle, "")
	}
	w.logger.Debug("Type selected", "kind", kind, "state", w.state)
	return nil
}

// SelectFile starts a new session for file. When no kind was chosen yet it
// is inferred from the file's MIME type.
func (w *Workflow) SelectFile(file models.FileHandle) (models.UploadSession, error) {
	if !file.Valid() {
		return models.UploadSession{}, fmt.Errorf("%w: file handle has no name or content", models.ErrPrecondition)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.epoch++
	w.clearDerived()
	if w.uploads.Kind() == "" {
		if kind, ok := models.KindFromMIME(file.MIMEType); ok {
			w.uploads.SelectKind(kind)
		}
	}
	session := w.uploads.SelectFile(file)
	w.moveTo(StateFileSelected, StepFileSelected)
	w.logger.Info("File selected", "session", session.ID, "file", file.Name, "kind", session.Kind)
	return session, nil
}

// StartUpload uploads the selected file and fetches its labels. Progress
// percentages are sent to progress without blocking; pass nil to ignore
// them. A missing file or kind is returned as a precondition error and
// leaves the state untouched.
func (w *Workflow) StartUpload(ctx context.Context, progress chan<- int) error {
	w.mu.Lock()
	if err := ValidateTransition(w.state, StateUploading); err != nil {
		w.mu.Unlock()
		return err
	}
	transfer, err := w.uploads.Start(ctx)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.epoch++
	epoch := w.epoch
	w.clearDerived()
	w.moveTo(StateUploading, StepUploading)
	w.mu.Unlock()

	session := transfer.Session()
	logger := w.logger.With("session", session.ID)

	for ev := range transfer.Events() {
		if progress != nil {
			select {
			case progress <- ev.Percent:
			default:
			}
		}
	}

	refs, err := transfer.Wait()
	if err != nil {
		return w.failUpload(epoch, err)
	}

	w.mu.Lock()
	if epoch == w.epoch {
		w.step = StepFetchingLabels
	}
	w.mu.Unlock()

	set, err := w.labels.Fetch(ctx, refs)
	if err != nil {
		return w.failUpload(epoch, err)
	}

	w.mu.Lock()
	if epoch != w.epoch {
		w.mu.Unlock()
		logger.Warn("Discarding upload result for a replaced session")
		return ErrSuperseded
	}
	w.refs = refs
	w.labelSet = set
	w.pending = pendingModels(session.Kind, refs)
	w.artifacts = placeholders(w.pending)
	w.moveTo(StateIndexReady, StepLabelsFetched)
	w.mu.Unlock()

	logger.Info("Annotations fetched", "indexes", len(refs), "labels", len(set))

	if err := w.history.RecordUpload(ctx, session, refs); err != nil {
		logger.Error("Failed to record upload", "error", err)
	}
	return nil
}

func (w *Workflow) failUpload(epoch uint64, err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if epoch != w.epoch {
		w.logger.Warn("Discarding upload failure for a replaced session", "error", err)
		return ErrSuperseded
	}
	w.lastErr = err
	w.moveTo(StateError, StepUploadFailed)
	w.logger.Error("Upload failed", "error", err)
	return err
}

// QueryAnnotation searches for label across every index of the upload and
// renders the matches. Queries are never cancelled; see Options.StalePolicy
// for how overlapping queries are resolved.
func (w *Workflow) QueryAnnotation(ctx context.Context, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return fmt.Errorf("%w: empty query", models.ErrPrecondition)
	}

	w.mu.Lock()
	if len(w.refs) == 0 {
		w.mu.Unlock()
		return fmt.Errorf("%w: nothing uploaded to search", ErrInvalidTransition)
	}
	if err := ValidateTransition(w.state, StateSearching); err != nil {
		w.mu.Unlock()
		return err
	}
	w.queryGen++
	gen, epoch := w.queryGen, w.epoch
	w.latestDone = false
	w.query = label
	w.moveTo(StateSearching, StepSearching)

	session, _ := w.uploads.Session()
	refs := append([]models.IndexRef(nil), w.refs...)
	pending := append([]string(nil), w.pending...)
	w.mu.Unlock()

	logger := w.logger.With("session", session.ID, "query", label)

	results, err := w.search.Search(ctx, refs, label)
	if err != nil {
		return w.finishQuery(ctx, queryOutcome{gen: gen, epoch: epoch, session: session, query: label, err: err})
	}

	w.mu.Lock()
	if epoch == w.epoch && gen == w.queryGen {
		w.artifacts = placeholders(pending)
		w.failures = nil
		w.moveTo(StateRendering, generatingStep(session.Kind))
	}
	w.mu.Unlock()

	logger.Info("Search resolved", "indexes", len(results), "detections", models.CountDetections(results))

	cycle, err := w.render.Render(ctx, session.Kind, session.File.Name, pending, results)
	if err == nil {
		err = cycle.Err(w.opts.StrictRender)
	}
	return w.finishQuery(ctx, queryOutcome{
		gen:     gen,
		epoch:   epoch,
		session: session,
		query:   label,
		results: results,
		cycle:   cycle,
		err:     err,
	})
}

type queryOutcome struct {
	gen     uint64
	epoch   uint64
	session models.UploadSession
	query   string
	results []models.SearchResult
	cycle   render.Cycle
	err     error
}

func (w *Workflow) finishQuery(ctx context.Context, out queryOutcome) error {
	w.mu.Lock()
	if out.epoch != w.epoch {
		w.mu.Unlock()
		w.logger.Warn("Discarding query result for a replaced session", "query", out.query)
		return ErrSuperseded
	}

	latest := out.gen == w.queryGen
	if !latest && w.opts.StalePolicy == config.LatestQueryWins {
		w.mu.Unlock()
		w.logger.Debug("Discarding result of a superseded query", "query", out.query)
		return ErrSuperseded
	}

	w.query = out.query
	w.results = out.results
	w.failures = out.cycle.Failures
	if out.err != nil {
		w.artifacts = nil
		w.lastErr = out.err
	} else {
		w.artifacts = out.cycle.Artifacts
		w.lastErr = nil
	}

	// A stale query only moves the state once the newest one has settled
	if latest || w.latestDone {
		if out.err != nil {
			w.moveTo(StateError, StepSearchFailed)
		} else {
			w.moveTo(StateRendered, renderedStep(out.session.Kind, out.cycle))
		}
	}
	if latest {
		w.latestDone = true
	}
	w.mu.Unlock()

	if out.err != nil {
		w.logger.Error("Query failed", "query", out.query, "error", out.err)
	} else {
		w.logger.Info("Render cycle complete", "query", out.query, "artifacts", len(out.cycle.Artifacts), "failed_models", len(out.cycle.Failures))
	}

	rec := storage.CycleRecord{
		SessionID: out.session.ID,
		FileName:  out.session.File.Name,
		Kind:      out.session.Kind,
		Query:     out.query,
		Results:   out.results,
		Artifacts: out.cycle.Artifacts,
		Failures:  out.cycle.Failures,
		Err:       out.err,
		At:        time.Now(),
	}
	if err := w.history.RecordCycle(ctx, rec); err != nil {
		w.logger.Error("Failed to record render cycle", "query", out.query, "error", err)
	}
	return out.err
}

// Clear resets the workflow to idle. In-flight operations finish but their
// results are dropped. With ClearRemote the backend is asked to delete its
// files too; the local reset happens either way.
func (w *Workflow) Clear(ctx context.Context) error {
	w.mu.Lock()
	w.epoch++
	w.queryGen++
	w.clearDerived()
	w.uploads.Reset()
	w.moveTo(StateIdle, "")
	w.mu.Unlock()

	w.logger.Debug("Workflow cleared")

	if err := w.history.Flush(); err != nil {
		w.logger.Error("Failed to flush history", "error", err)
	}
	if !w.opts.ClearRemote {
		return nil
	}
	if err := w.backend.Clear(ctx); err != nil {
		w.logger.Error("Backend clear failed", "error", err)
		return err
	}
	return nil
}

// Suggest returns labels starting with prefix. With UseCatalog the
// detector's full category list is offered instead of the upload's labels.
func (w *Workflow) Suggest(ctx context.Context, prefix string) (models.LabelSet, error) {
	if w.opts.UseCatalog {
		catalog, err := w.labels.Catalog(ctx)
		if err != nil {
			return nil, err
		}
		return catalog.Suggest(prefix), nil
	}

	w.mu.Lock()
	set := w.labelSet
	w.mu.Unlock()
	return set.Suggest(prefix), nil
}

// Snapshot returns a copy of the current state
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := Snapshot{
		State:     w.state,
		Step:      w.step,
		Kind:      w.uploads.Kind(),
		Refs:      append([]models.IndexRef(nil), w.refs...),
		Labels:    append(models.LabelSet(nil), w.labelSet...),
		Query:     w.query,
		Results:   append([]models.SearchResult(nil), w.results...),
		Artifacts: append([]models.RenderedArtifact(nil), w.artifacts...),
		Failures:  append([]models.RenderFailure(nil), w.failures...),
		Err:       w.lastErr,
	}
	if s, ok := w.uploads.Session(); ok {
		snap.Session = &s
	}
	return snap
}

// moveTo must be called with w.mu held
func (w *Workflow) moveTo(to State, step string) {
	if err := ValidateTransition(w.state, to); err != nil {
		w.logger.Error("Rejected state change", "from", w.state, "to", to, "error", err)
		return
	}
	w.state = to
	w.step = step
}

// clearDerived must be called with w.mu held
func (w *Workflow) clearDerived() {
	w.refs = nil
	w.pending = nil
	w.labelSet = nil
	w.query = ""
	w.results = nil
	w.artifacts = nil
	w.failures = nil
	w.lastErr = nil
	w.latestDone = true
}

// pendingModels lists the models to render for, one per index. Videos are
// rendered once regardless of how many indexes they have.
func pendingModels(kind models.ArtifactKind, refs []models.IndexRef) []string {
	if kind != models.KindImage {
		return nil
	}
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		name := r.DisplayName
		if name == "" {
			name = search.ModelName(r.Ref)
		}
		names = append(names, name)
	}
	return names
}

func placeholders(pending []string) []models.RenderedArtifact {
	if len(pending) == 0 {
		return nil
	}
	out := make([]models.RenderedArtifact, 0, len(pending))
	for _, m := range pending {
		out = append(out, models.RenderedArtifact{ModelName: m})
	}
	return out
}

func generatingStep(kind models.ArtifactKind) string {
	if kind == models.KindVideo {
		return StepGeneratingVideo
	}
	return StepGeneratingImages
}

func renderedStep(kind models.ArtifactKind, cycle render.Cycle) string {
	if cycle.Dispatched == 0 {
		return StepNothingToGenerate
	}
	step := StepImagesGenerated
	if kind == models.KindVideo {
		step = StepVideoGenerated
	}
	if n := len(cycle.Failures); n > 0 {
		step = fmt.Sprintf("%s (%d of %d models failed)", step, n, cycle.Dispatched)
	}
	return step
}
