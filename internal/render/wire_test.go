package render

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bdougie/visionsearch/internal/backend"
	"github.com/bdougie/visionsearch/internal/models"
	"github.com/bdougie/visionsearch/internal/search"
)

// cornerBackend stores boxes as corner lists and, like the real detection
// server, rejects video annotations that are not four element lists.
type cornerBackend struct {
	mu         sync.Mutex
	imageBoxes []string
	videoBoxes [][]float64
}

func (b *cornerBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/search":
		io.WriteString(w, `{"results":[{"filename":"m1_detections_cat.csv","boxes_data":[{"labels":"cat","boxes":"[10.0, 20.0, 110.0, 220.0]"}]}]}`)

	case "/generate-image":
		var in struct {
			Results []backend.WireResult `json:"results"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		b.mu.Lock()
		for _, res := range in.Results {
			for _, box := range res.BoxesData {
				b.imageBoxes = append(b.imageBoxes, box.Boxes)
			}
		}
		b.mu.Unlock()
		io.WriteString(w, `{"inference_results":[{"annotated_image_name":"annotated_cat.jpg","inference_time":0.1}]}`)

	case "/generate-video":
		var in struct {
			Annotations []struct {
				BoundingBoxes json.RawMessage `json:"bounding_boxes"`
			} `json:"annotations"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		for _, a := range in.Annotations {
			var corners []float64
			if err := json.Unmarshal(a.BoundingBoxes, &corners); err != nil || len(corners) != 4 {
				http.Error(w, `{"error":"Bounding box must be a list with four elements"}`, http.StatusBadRequest)
				return
			}
			b.mu.Lock()
			b.videoBoxes = append(b.videoBoxes, corners)
			b.mu.Unlock()
		}
		io.WriteString(w, `{"annotated_video_path":"outputs/annotated_walk.mp4"}`)

	default:
		http.NotFound(w, r)
	}
}

func searchCat(t *testing.T, c *backend.Client) []models.SearchResult {
	t.Helper()
	refs := []models.IndexRef{{Ref: "m1_detections_cat.csv", DisplayName: "m1"}}
	results, err := search.NewClient(c, nil).Search(context.Background(), refs, "cat")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	return results
}

func TestRenderImagesForwardsSearchBoxesUnchanged(t *testing.T) {
	t.Parallel()

	fake := &cornerBackend{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := backend.New(srv.URL)

	cycle := New(c, nil).RenderImages(context.Background(), "cat.jpg", []string{"m1"}, searchCat(t, c))
	if len(cycle.Failures) != 0 || len(cycle.Artifacts) != 1 {
		t.Fatalf("unexpected cycle %+v", cycle)
	}
	fake.mu.Lock()
	got := fake.imageBoxes
	fake.mu.Unlock()
	if len(got) != 1 || got[0] != "[10.0, 20.0, 110.0, 220.0]" {
		t.Fatalf("expected the corner list as search returned it, got %q", got)
	}
}

func TestRenderVideoSendsCornerLists(t *testing.T) {
	t.Parallel()

	fake := &cornerBackend{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := backend.New(srv.URL)

	cycle := New(c, nil).RenderVideo(context.Background(), "walk.mp4", searchCat(t, c))
	if len(cycle.Failures) != 0 {
		t.Fatalf("video render failed: %v", cycle.Failures[0])
	}
	fake.mu.Lock()
	got := fake.videoBoxes
	fake.mu.Unlock()
	want := []float64{10, 20, 110, 220}
	if len(got) != 1 {
		t.Fatalf("expected one annotation, got %v", got)
	}
	for i, v := range got[0] {
		if v != want[i] {
			t.Fatalf("expected %v, got %v", want, got[0])
		}
	}
}
