package models

import (
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ArtifactKind is the kind of file being uploaded
type ArtifactKind string

const (
	KindImage ArtifactKind = "image"
	KindVideo ArtifactKind = "video"
)

// VideoModelName tags the single artifact produced for a video
const VideoModelName = "Annotated Video"

// ParseArtifactKind converts user input into an ArtifactKind
func ParseArtifactKind(s string) (ArtifactKind, error) {
	switch ArtifactKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindImage:
		return KindImage, nil
	case KindVideo:
		return KindVideo, nil
	}
	return "", fmt.Errorf("%w: unknown artifact kind %q", ErrPrecondition, s)
}

// KindFromMIME guesses the artifact kind from a MIME type
func KindFromMIME(mimeType string) (ArtifactKind, bool) {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = mimeType
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return KindImage, true
	case strings.HasPrefix(mediaType, "video/"):
		return KindVideo, true
	}
	return "", false
}

// FileHandle is an opaque handle to the bytes of a selected file
type FileHandle struct {
	Name     string
	MIMEType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// Valid reports whether the handle can be uploaded
func (h FileHandle) Valid() bool {
	return h.Name != "" && h.Open != nil
}

// UploadSession is the currently selected file and its upload progress
type UploadSession struct {
	ID              uuid.UUID
	File            FileHandle
	Kind            ArtifactKind
	ProgressPercent int
}

// NewUploadSession starts a session for the given file
func NewUploadSession(file FileHandle, kind ArtifactKind) UploadSession {
	return UploadSession{
		ID:   uuid.New(),
		File: file,
		Kind: kind,
	}
}

// IndexRef binds an uploaded artifact to one model's label source
type IndexRef struct {
	Ref         string `json:"ref"`
	DisplayName string `json:"display_name"`
}

// RefNames returns the raw identifiers of refs, in order
func RefNames(refs []IndexRef) []string {
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Ref)
	}
	return names
}

// Detection is one labeled bounding box. Raw is the box text as the backend
// sent it; the render routes get it back unchanged.
type Detection struct {
	Box   BoundingBox `json:"bounding_boxes"`
	Label string      `json:"label"`
	Raw   string      `json:"-"`
}

// WireBox returns the box text to send back to the backend. Detections that
// did not come from the backend are encoded as a corner list.
func (d Detection) WireBox() string {
	if raw := strings.TrimSpace(d.Raw); raw != "" {
		return raw
	}
	c := d.Box.Corners()
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// SearchResult holds the detections matched in one index
type SearchResult struct {
	Source     IndexRef
	Detections []Detection
}

// CountDetections sums detections across results
func CountDetections(results []SearchResult) int {
	n := 0
	for _, r := range results {
		n += len(r.Detections)
	}
	return n
}

// FlattenDetections concatenates detections across results in order
func FlattenDetections(results []SearchResult) []Detection {
	flat := make([]Detection, 0, CountDetections(results))
	for _, r := range results {
		flat = append(flat, r.Detections...)
	}
	return flat
}

// RenderedArtifact is one annotated output ready for display.
// An empty URL means the artifact has not been generated yet.
type RenderedArtifact struct {
	ModelName       string   `json:"model_name"`
	URL             string   `json:"url,omitempty"`
	InferenceTimeMs *float64 `json:"inference_time_ms,omitempty"`
}

// RenderFailure records a model whose render request failed
type RenderFailure struct {
	ModelName string
	Err       error
}

func (f RenderFailure) Error() string {
	return fmt.Sprintf("model %s: %v", f.ModelName, f.Err)
}

func (f RenderFailure) Unwrap() error { return f.Err }
