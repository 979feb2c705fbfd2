package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bdougie/visionsearch/internal/models"
)

func bytesHandle(name, mimeType string, data []byte) models.FileHandle {
	return models.FileHandle{
		Name:     name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func TestUploadPreservesServerOrder(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("x"), 100_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			http.NotFound(w, r)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "cat.jpg" || len(data) != len(payload) {
			http.Error(w, "bad file", http.StatusBadRequest)
			return
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			http.Error(w, "bad content type "+ct, http.StatusBadRequest)
			return
		}
		io.WriteString(w, `{"csv_files":{"zeta":{"file_name":"zeta_detections_cat.csv"},"alpha":{"file_name":"alpha_detections_cat.csv","metrics":{"inference_time":0.5}}}}`)
	}))
	defer srv.Close()

	var last atomic.Int64
	c := New(srv.URL)
	refs, err := c.Upload(context.Background(), bytesHandle("cat.jpg", "image/jpeg", payload), func(sent int64) {
		if prev := last.Swap(sent); sent < prev {
			t.Errorf("progress went backwards: %d < %d", sent, prev)
		}
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := []models.IndexRef{
		{Ref: "zeta_detections_cat.csv", DisplayName: "zeta"},
		{Ref: "alpha_detections_cat.csv", DisplayName: "alpha"},
	}
	if !reflect.DeepEqual(refs, want) {
		t.Fatalf("expected %v, got %v", want, refs)
	}
	if got := last.Load(); got != int64(len(payload)) {
		t.Fatalf("expected %d bytes reported, got %d", len(payload), got)
	}
}

func TestUploadContractViolations(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing field": `{"message":"ok"}`,
		"null field":    `{"csv_files":null}`,
		"empty object":  `{"csv_files":{}}`,
		"empty names":   `{"csv_files":{"m1":{"file_name":""}}}`,
		"not an object": `{"csv_files":["a.csv"]}`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				io.WriteString(w, body)
			}))
			defer srv.Close()

			_, err := New(srv.URL).Upload(context.Background(), bytesHandle("a.png", "image/png", []byte("png")), nil)
			if !errors.Is(err, models.ErrContractViolation) {
				t.Fatalf("expected contract violation, got %v", err)
			}
		})
	}
}

func TestUploadSkipsBlankRefs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		io.WriteString(w, `{"csv_files":{"m1":{"file_name":""},"m2":{"file_name":"m2.csv"}}}`)
	}))
	defer srv.Close()

	refs, err := New(srv.URL).Upload(context.Background(), bytesHandle("a.png", "image/png", []byte("png")), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(refs) != 1 || refs[0].Ref != "m2.csv" {
		t.Fatalf("expected only m2.csv, got %v", refs)
	}
}

func TestNonSuccessStatusIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.FetchLabels(context.Background(), []string{"a.csv"})
	var te *models.TransportError
	if !errors.As(err, &te) || te.Status != http.StatusInternalServerError {
		t.Fatalf("expected transport error with status 500, got %v", err)
	}
	if !errors.Is(err, models.ErrTransport) {
		t.Fatalf("expected ErrTransport in chain")
	}
}

func TestUnreachableBackendIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Search(context.Background(), []string{"a.csv"}, "cat")
	if !errors.Is(err, models.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestSearchSendsOneBatchedRequest(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var in struct {
			Refs  []string `json:"csv_file_names"`
			Query string   `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		if !reflect.DeepEqual(in.Refs, []string{"m1.csv", "m2.csv"}) || in.Query != "cat" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		io.WriteString(w, `{"results":[{"filename":"m1.csv","boxes_data":[{"labels":"cat","boxes":"{\"x\":1,\"y\":2,\"width\":3,\"height\":4}"}]}]}`)
	}))
	defer srv.Close()

	results, err := New(srv.URL).Search(context.Background(), []string{"m1.csv", "m2.csv"}, "cat")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single request, got %d", n)
	}
	if len(results) != 1 || results[0].BoxesData[0].Labels != "cat" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestSearchMissingResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":"nothing"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Search(context.Background(), []string{"m1.csv"}, "cat")
	if !errors.Is(err, models.ErrContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
}

func TestGenerateImageInferenceTimes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"inference_time":2,"inference_results":[{"annotated_image_name":"a.jpg","inference_time":0.25},{"annotated_image_name":"b.jpg"}]}`)
	}))
	defer srv.Close()

	resp, err := New(srv.URL).GenerateImage(context.Background(), "cat.jpg", "m1", nil)
	if err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if got := resp.InferenceMs(resp.InferenceResults[0]); got == nil || *got != 250 {
		t.Fatalf("expected 250ms, got %v", got)
	}
	if got := resp.InferenceMs(resp.InferenceResults[1]); got == nil || *got != 2000 {
		t.Fatalf("expected fallback 2000ms, got %v", got)
	}
	if got := (ImageResponse{}).InferenceMs(ImageResult{}); got != nil {
		t.Fatalf("expected nil inference time, got %v", *got)
	}
}

func TestGenerateVideoSendsCornerLists(t *testing.T) {
	t.Parallel()

	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			VideoName   string `json:"video_name"`
			Annotations []struct {
				BoundingBoxes json.RawMessage `json:"bounding_boxes"`
				Label         string          `json:"label"`
			} `json:"annotations"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		boxes := make([]string, 0, len(in.Annotations))
		for _, a := range in.Annotations {
			boxes = append(boxes, string(a.BoundingBoxes))
		}
		got.Store(in.VideoName + " " + strings.Join(boxes, " "))
		io.WriteString(w, `{"annotated_video_path":"uploads\\annotated_walk.mp4"}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	path, err := c.GenerateVideo(context.Background(), "walk.mp4", []models.Detection{
		{Label: "person", Box: models.BoundingBox{X: 10, Y: 20, Width: 100, Height: 200}, Raw: "[10.0, 20.0, 110.0, 220.0]"},
		{Label: "person", Box: models.BoundingBox{X: 1, Y: 2, Width: 3, Height: 4}},
		{Label: "person", Box: models.BoundingBox{X: 1, Y: 2, Width: 3, Height: 4}, Raw: `{"x":1,"y":2,"width":3,"height":4}`},
	})
	if err != nil {
		t.Fatalf("generate video: %v", err)
	}
	want := `walk.mp4 [10.0,20.0,110.0,220.0] [1,2,4,6] {"x":1,"y":2,"width":3,"height":4}`
	if got.Load() != want {
		t.Fatalf("expected payload %q, got %q", want, got.Load())
	}
	if got := c.VideoURL(path, "42"); got != srv.URL+"/uploads/annotated_walk.mp4?42" {
		t.Fatalf("unexpected video url %s", got)
	}
}

func TestGenerateVideoMissingPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":"done"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).GenerateVideo(context.Background(), "walk.mp4", nil)
	if !errors.Is(err, models.ErrContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
}

func TestCategoriesOrderedByID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		io.WriteString(w, `{"10":"traffic light","2":"bicycle","1":"person"}`)
	}))
	defer srv.Close()

	names, err := New(srv.URL).Categories(context.Background())
	if err != nil {
		t.Fatalf("categories: %v", err)
	}
	want := []string{"person", "bicycle", "traffic light"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
}

func TestImageURL(t *testing.T) {
	t.Parallel()

	c := New("http://localhost:5000/")
	if got := c.ImageURL("annotated_m1_cat one.jpg", "7"); got != "http://localhost:5000/uploads/annotated_m1_cat%20one.jpg?7" {
		t.Fatalf("unexpected url %s", got)
	}
	if !strings.HasSuffix(c.BaseURL(), "5000") {
		t.Fatalf("trailing slash not trimmed: %s", c.BaseURL())
	}
}

func TestToWireForwardsBoxStrings(t *testing.T) {
	t.Parallel()

	wire := ToWire([]models.SearchResult{{
		Source: models.IndexRef{Ref: "m1.csv", DisplayName: "m1"},
		Detections: []models.Detection{
			{Label: "cat", Box: models.BoundingBox{X: 10, Y: 20, Width: 100, Height: 200}, Raw: "[10.0, 20.0, 110.0, 220.0]"},
			{Label: "cat", Box: models.BoundingBox{X: 1.5, Y: 2, Width: 3, Height: 4}},
		},
	}})
	if len(wire) != 1 || wire[0].Filename != "m1.csv" || len(wire[0].BoxesData) != 2 {
		t.Fatalf("unexpected wire %+v", wire)
	}
	if got := wire[0].BoxesData[0].Boxes; got != "[10.0, 20.0, 110.0, 220.0]" {
		t.Fatalf("box text was rewritten: %q", got)
	}
	if got := wire[0].BoxesData[1].Boxes; got != "[1.5, 2, 4.5, 6]" {
		t.Fatalf("expected a corner list for a local box, got %q", got)
	}
}
