package labels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bdougie/visionsearch/internal/models"
)

// Backend is the part of the backend API the label client needs
type Backend interface {
	FetchLabels(ctx context.Context, refs []string) ([]string, error)
	Categories(ctx context.Context) ([]string, error)
}

// Client discovers the labels available for an upload
type Client struct {
	backend Backend
	logger  *slog.Logger

	mu      sync.Mutex
	catalog models.LabelSet
}

// NewClient creates a label client
func NewClient(backend Backend, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{backend: backend, logger: logger}
}

// Fetch returns the distinct labels across refs in server order. An empty
// label set is an error: a processed upload always has something to query.
func (c *Client) Fetch(ctx context.Context, refs []models.IndexRef) (models.LabelSet, error) {
	if len(refs) == 0 {
		return nil, models.IndexFetchError(fmt.Errorf("%w: no index refs", models.ErrPrecondition))
	}

	raw, err := c.backend.FetchLabels(ctx, models.RefNames(refs))
	if err != nil {
		return nil, models.IndexFetchError(err)
	}

	set := models.NewLabelSet(raw)
	if len(set) == 0 {
		return nil, models.IndexFetchError(&models.ContractError{Op: "fetch-annotations", Field: "labels", Reason: "no labels"})
	}

	c.logger.Debug("Labels fetched", "indexes", len(refs), "labels", len(set), "duplicates", len(raw)-len(set))
	return set, nil
}

// Catalog returns the detector's full category list. The catalog does not
// change for a running backend so the first successful fetch is kept.
func (c *Client) Catalog(ctx context.Context) (models.LabelSet, error) {
	c.mu.Lock()
	cached := c.catalog
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	names, err := c.backend.Categories(ctx)
	if err != nil {
		return nil, models.IndexFetchError(err)
	}
	set := models.NewLabelSet(names)

	c.mu.Lock()
	c.catalog = set
	c.mu.Unlock()
	return set, nil
}
