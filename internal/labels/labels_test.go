package labels

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/bdougie/visionsearch/internal/models"
)

type stubBackend struct {
	labels     []string
	err        error
	gotRefs    []string
	categories []string
	catCalls   int
}

func (s *stubBackend) FetchLabels(ctx context.Context, refs []string) ([]string, error) {
	s.gotRefs = refs
	return s.labels, s.err
}

func (s *stubBackend) Categories(ctx context.Context) ([]string, error) {
	s.catCalls++
	return s.categories, nil
}

func TestFetchDeduplicatesInServerOrder(t *testing.T) {
	t.Parallel()

	b := &stubBackend{labels: []string{"dog", "cat", "dog", "person", "cat"}}
	c := NewClient(b, nil)
	refs := []models.IndexRef{{Ref: "m1.csv", DisplayName: "m1"}, {Ref: "m2.csv", DisplayName: "m2"}}

	set, err := c.Fetch(context.Background(), refs)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !reflect.DeepEqual(set, models.LabelSet{"dog", "cat", "person"}) {
		t.Fatalf("unexpected labels %v", set)
	}
	if !reflect.DeepEqual(b.gotRefs, []string{"m1.csv", "m2.csv"}) {
		t.Fatalf("expected all refs in one call, got %v", b.gotRefs)
	}

	again, _ := c.Fetch(context.Background(), refs)
	if !reflect.DeepEqual(set, again) {
		t.Fatalf("label order must be stable across fetches")
	}
}

func TestFetchEmptyIsError(t *testing.T) {
	t.Parallel()

	c := NewClient(&stubBackend{labels: []string{}}, nil)
	_, err := c.Fetch(context.Background(), []models.IndexRef{{Ref: "m1.csv"}})
	if !errors.Is(err, models.ErrContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
	if stage, _ := models.StageOf(err); stage != models.StageLabels {
		t.Fatalf("expected labels stage, got %s", stage)
	}
}

func TestFetchPropagatesBackendErrors(t *testing.T) {
	t.Parallel()

	c := NewClient(&stubBackend{err: &models.ContractError{Op: "fetch-annotations", Field: "labels"}}, nil)
	_, err := c.Fetch(context.Background(), []models.IndexRef{{Ref: "m1.csv"}})
	if stage, ok := models.StageOf(err); !ok || stage != models.StageLabels {
		t.Fatalf("expected labels stage error, got %v", err)
	}

	if _, err := c.Fetch(context.Background(), nil); !errors.Is(err, models.ErrPrecondition) {
		t.Fatalf("expected precondition error without refs, got %v", err)
	}
}

func TestCatalogIsFetchedOnce(t *testing.T) {
	t.Parallel()

	b := &stubBackend{categories: []string{"person", "bicycle", "person"}}
	c := NewClient(b, nil)
	for i := 0; i < 3; i++ {
		set, err := c.Catalog(context.Background())
		if err != nil {
			t.Fatalf("catalog: %v", err)
		}
		if len(set) != 2 {
			t.Fatalf("expected deduplicated catalog, got %v", set)
		}
	}
	if b.catCalls != 1 {
		t.Fatalf("expected one backend call, got %d", b.catCalls)
	}
}
