package search

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/bdougie/visionsearch/internal/backend"
	"github.com/bdougie/visionsearch/internal/models"
)

// Backend runs a label query against a set of index files
type Backend interface {
	Search(ctx context.Context, refs []string, query string) ([]backend.WireResult, error)
}

// Client resolves label queries into detections
type Client struct {
	backend Backend
	logger  *slog.Logger
}

// NewClient creates a search client
func NewClient(b Backend, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{backend: b, logger: logger}
}

// Search sends query with every ref in one request. No matches is a valid
// empty result; a response without a results field is not.
func (c *Client) Search(ctx context.Context, refs []models.IndexRef, query string) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.SearchError(fmt.Errorf("%w: empty query", models.ErrPrecondition))
	}
	if len(refs) == 0 {
		return nil, models.SearchError(fmt.Errorf("%w: no index refs", models.ErrPrecondition))
	}

	wire, err := c.backend.Search(ctx, models.RefNames(refs), query)
	if err != nil {
		return nil, models.SearchError(err)
	}

	byRef := make(map[string]models.IndexRef, len(refs))
	for _, r := range refs {
		byRef[r.Ref] = r
	}

	results := make([]models.SearchResult, 0, len(wire))
	for _, w := range wire {
		source, ok := byRef[w.Filename]
		if !ok {
			source = models.IndexRef{Ref: w.Filename, DisplayName: ModelName(w.Filename)}
		}

		detections := make([]models.Detection, 0, len(w.BoxesData))
		for _, b := range w.BoxesData {
			box, err := models.ParseBoundingBox(b.Boxes)
			if err != nil {
				return nil, models.SearchError(&models.ContractError{Op: "search", Field: "boxes", Reason: err.Error()})
			}
			detections = append(detections, models.Detection{Box: box, Label: b.Labels, Raw: b.Boxes})
		}
		results = append(results, models.SearchResult{Source: source, Detections: detections})
	}

	c.logger.Debug("Search resolved", "query", query, "indexes", len(results), "detections", models.CountDetections(results))
	return results, nil
}

// ModelName recovers the model name from an index file name such as
// "fasterrcnn_detections_cat.csv".
func ModelName(filename string) string {
	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	name = strings.TrimPrefix(name, "annotated_")
	if i := strings.Index(name, "_detections_"); i >= 0 {
		name = name[:i]
	}
	return name
}
