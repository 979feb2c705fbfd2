package backend

import (
	"encoding/json"

	"github.com/bdougie/visionsearch/internal/models"
)

// WireBox is one matched row as the backend returns it. Boxes is a
// JSON-encoded bounding box.
type WireBox struct {
	Labels string `json:"labels"`
	Boxes  string `json:"boxes"`
}

// WireResult groups the matched rows of one index file
type WireResult struct {
	Filename  string    `json:"filename"`
	BoxesData []WireBox `json:"boxes_data"`
}

// ImageResult describes one generated annotated image
type ImageResult struct {
	AnnotatedImageName string   `json:"annotated_image_name"`
	InferenceTime      *float64 `json:"inference_time"`
	ModelName          string   `json:"model_name"`
}

// ImageResponse is the body returned by /generate-image
type ImageResponse struct {
	InferenceResults []ImageResult `json:"inference_results"`
	InferenceTime    *float64      `json:"inference_time"`
}

// InferenceMs returns the inference time of r in milliseconds. The backend
// reports seconds; a per-image value wins over the response-wide one.
func (r ImageResponse) InferenceMs(res ImageResult) *float64 {
	secs := res.InferenceTime
	if secs == nil {
		secs = r.InferenceTime
	}
	if secs == nil {
		return nil
	}
	ms := *secs * 1000
	return &ms
}

type videoAnnotation struct {
	BoundingBoxes json.RawMessage `json:"bounding_boxes"`
	Label         string          `json:"label"`
}

// videoBox decodes the box text of d into the JSON value the video route
// reads, a four element list unless the backend itself sent an object.
func videoBox(d models.Detection) json.RawMessage {
	box := d.WireBox()
	if json.Valid([]byte(box)) {
		return json.RawMessage(box)
	}
	c := d.Box.Corners()
	data, _ := json.Marshal(c[:])
	return data
}

// ToWire converts search results back into the shape the backend returned
// them in. Box strings are forwarded untouched.
func ToWire(results []models.SearchResult) []WireResult {
	wire := make([]WireResult, 0, len(results))
	for _, r := range results {
		boxes := make([]WireBox, 0, len(r.Detections))
		for _, d := range r.Detections {
			boxes = append(boxes, WireBox{Labels: d.Label, Boxes: d.WireBox()})
		}
		wire = append(wire, WireResult{Filename: r.Source.Ref, BoxesData: boxes})
	}
	return wire
}
