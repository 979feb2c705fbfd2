package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bdougie/visionsearch/internal/backend"
	"github.com/bdougie/visionsearch/internal/models"
)

// Backend generates annotated artifacts
type Backend interface {
	GenerateImage(ctx context.Context, imageName, model string, results []backend.WireResult) (backend.ImageResponse, error)
	GenerateVideo(ctx context.Context, videoName string, detections []models.Detection) (string, error)
	ImageURL(name, token string) string
	VideoURL(path, token string) string
}

// Cycle is the outcome of one render pass
type Cycle struct {
	Artifacts  []models.RenderedArtifact
	Failures   []models.RenderFailure
	Dispatched int
}

// Err reports whether the cycle failed as a whole. A cycle fails when every
// dispatched request failed, or in strict mode when any of them did.
func (c Cycle) Err(strict bool) error {
	if len(c.Failures) == 0 {
		return nil
	}
	if !strict && len(c.Failures) < c.Dispatched {
		return nil
	}
	errs := make([]error, 0, len(c.Failures))
	for _, f := range c.Failures {
		errs = append(errs, f)
	}
	return models.RenderError(errors.Join(errs...))
}

// Orchestrator dispatches annotated artifact generation
type Orchestrator struct {
	backend Backend
	stamper *Stamper
	logger  *slog.Logger
}

// New creates an Orchestrator
func New(b Backend, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{backend: b, stamper: NewStamper(), logger: logger}
}

// Render picks the image or video algorithm for kind
func (o *Orchestrator) Render(ctx context.Context, kind models.ArtifactKind, artifactName string, pending []string, results []models.SearchResult) (Cycle, error) {
	switch kind {
	case models.KindImage:
		return o.RenderImages(ctx, artifactName, pending, results), nil
	case models.KindVideo:
		return o.RenderVideo(ctx, artifactName, results), nil
	}
	return Cycle{}, models.RenderError(fmt.Errorf("%w: unknown artifact kind %q", models.ErrPrecondition, kind))
}

type workItem struct {
	index int
	model string
}

type outcome struct {
	index     int
	artifacts []models.RenderedArtifact
	err       error
}

// RenderImages sends one generate request per pending model, all at once,
// and waits for every one of them. Each request carries the full result
// set; the backend picks out the detections of its own model.
func (o *Orchestrator) RenderImages(ctx context.Context, imageName string, pending []string, results []models.SearchResult) Cycle {
	if models.CountDetections(results) == 0 || len(pending) == 0 {
		o.logger.Debug("Nothing to render", "image", imageName, "models", len(pending))
		return Cycle{}
	}

	wire := backend.ToWire(results)
	workChan := make(chan workItem, len(pending))
	outcomesChan := make(chan outcome, len(pending))

	var wg sync.WaitGroup

	remaining := atomic.Int64{}
	remaining.Store(int64(len(pending)))

	// One worker per model so no request waits on another
	for i := 0; i < len(pending); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				artifacts, err := o.renderModel(ctx, imageName, work.model, wire)
				outcomesChan <- outcome{index: work.index, artifacts: artifacts, err: err}

				left := remaining.Add(-1)
				o.logger.Debug("Model rendered", "model", work.model, "artifacts", len(artifacts), "remaining", left, "error", err)
			}
		}()
	}

	for i, model := range pending {
		workChan <- workItem{index: i, model: model}
	}
	close(workChan)

	wg.Wait()
	close(outcomesChan)

	byIndex := make([]outcome, len(pending))
	for out := range outcomesChan {
		byIndex[out.index] = out
	}

	cycle := Cycle{Dispatched: len(pending)}
	for i, out := range byIndex {
		if out.err != nil {
			o.logger.Error("Render request failed", "model", pending[i], "image", imageName, "error", out.err)
			cycle.Failures = append(cycle.Failures, models.RenderFailure{ModelName: pending[i], Err: out.err})
			continue
		}
		cycle.Artifacts = append(cycle.Artifacts, out.artifacts...)
	}
	return cycle
}

func (o *Orchestrator) renderModel(ctx context.Context, imageName, model string, wire []backend.WireResult) ([]models.RenderedArtifact, error) {
	resp, err := o.backend.GenerateImage(ctx, imageName, model, wire)
	if err != nil {
		return nil, err
	}

	artifacts := make([]models.RenderedArtifact, 0, len(resp.InferenceResults))
	for _, res := range resp.InferenceResults {
		if res.AnnotatedImageName == "" {
			return nil, &models.ContractError{Op: "generate-image", Field: "annotated_image_name"}
		}
		artifacts = append(artifacts, models.RenderedArtifact{
			ModelName:       model,
			URL:             o.backend.ImageURL(res.AnnotatedImageName, o.stamper.Next()),
			InferenceTimeMs: resp.InferenceMs(res),
		})
	}
	return artifacts, nil
}

// RenderVideo flattens every detection into one ordered list and asks for a
// single annotated video.
func (o *Orchestrator) RenderVideo(ctx context.Context, videoName string, results []models.SearchResult) Cycle {
	detections := models.FlattenDetections(results)
	if len(detections) == 0 {
		o.logger.Debug("Nothing to render", "video", videoName)
		return Cycle{}
	}

	cycle := Cycle{Dispatched: 1}
	path, err := o.backend.GenerateVideo(ctx, videoName, detections)
	if err != nil {
		o.logger.Error("Video render failed", "video", videoName, "error", err)
		cycle.Failures = []models.RenderFailure{{ModelName: models.VideoModelName, Err: err}}
		return cycle
	}

	cycle.Artifacts = []models.RenderedArtifact{{
		ModelName: models.VideoModelName,
		URL:       o.backend.VideoURL(path, o.stamper.Next()),
	}}
	return cycle
}
