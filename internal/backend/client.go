package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bdougie/visionsearch/internal/models"
)

// Client talks to the detection backend over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger used for request tracing
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the backend at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Upload streams file to the backend as multipart form data. onSent, when
// set, is called with the running byte count after every chunk read from
// the file.
func (c *Client) Upload(ctx context.Context, file models.FileHandle, onSent func(sent int64)) ([]models.IndexRef, error) {
	const op = "upload"

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		src, err := file.Open()
		if err != nil {
			pw.CloseWithError(fmt.Errorf("open %s: %w", file.Name, err))
			return
		}
		defer src.Close()

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
		contentType := file.MIMEType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)

		part, err := mw.CreatePart(header)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, &countingReader{r: src, onRead: onSent}); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var payload struct {
		CSVFiles json.RawMessage `json:"csv_files"`
	}
	err = c.do(req, op, &payload)
	pr.Close()
	if err != nil {
		return nil, err
	}

	if len(payload.CSVFiles) == 0 || string(payload.CSVFiles) == "null" {
		return nil, &models.ContractError{Op: op, Field: "csv_files"}
	}
	refs, err := decodeIndexFiles(payload.CSVFiles)
	if err != nil {
		return nil, err
	}

	kept := refs[:0]
	for _, ref := range refs {
		if ref.Ref == "" {
			c.logger.Warn("Skipping index without file name", "model", ref.DisplayName)
			continue
		}
		kept = append(kept, ref)
	}
	if len(kept) == 0 {
		return nil, &models.ContractError{Op: op, Field: "csv_files", Reason: "no index file names"}
	}
	return kept, nil
}

// decodeIndexFiles reads the csv_files object keeping the server's key order
func decodeIndexFiles(raw json.RawMessage) ([]models.IndexRef, error) {
	const op = "upload"

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, &models.ContractError{Op: op, Field: "csv_files", Reason: err.Error()}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, &models.ContractError{Op: op, Field: "csv_files", Reason: "expected an object"}
	}

	var refs []models.IndexRef
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, &models.ContractError{Op: op, Field: "csv_files", Reason: err.Error()}
		}
		model, _ := keyTok.(string)

		var entry struct {
			FileName string `json:"file_name"`
		}
		if err := dec.Decode(&entry); err != nil {
			return nil, &models.ContractError{Op: op, Field: "csv_files." + model, Reason: err.Error()}
		}
		refs = append(refs, models.IndexRef{Ref: entry.FileName, DisplayName: model})
	}
	return refs, nil
}

// FetchLabels returns the labels recorded in the given index files, in
// server order. A missing labels field is a contract violation.
func (c *Client) FetchLabels(ctx context.Context, refs []string) ([]string, error) {
	var resp struct {
		Labels *[]string `json:"labels"`
	}
	in := map[string]any{"csv_file_names": refs}
	if err := c.postJSON(ctx, "fetch-annotations", "/fetch-annotations", in, &resp); err != nil {
		return nil, err
	}
	if resp.Labels == nil {
		return nil, &models.ContractError{Op: "fetch-annotations", Field: "labels"}
	}
	return *resp.Labels, nil
}

// Search resolves query against every index file in a single request
func (c *Client) Search(ctx context.Context, refs []string, query string) ([]WireResult, error) {
	var resp struct {
		Results *[]WireResult `json:"results"`
	}
	in := map[string]any{"csv_file_names": refs, "query": query}
	if err := c.postJSON(ctx, "search", "/search", in, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		return nil, &models.ContractError{Op: "search", Field: "results"}
	}
	return *resp.Results, nil
}

// GenerateImage asks the backend to draw results onto imageName on behalf
// of model. The full result set is sent; the backend filters per model.
func (c *Client) GenerateImage(ctx context.Context, imageName, model string, results []WireResult) (ImageResponse, error) {
	var resp struct {
		InferenceResults *[]ImageResult `json:"inference_results"`
		InferenceTime    *float64       `json:"inference_time"`
	}
	in := map[string]any{"image_name": imageName, "model_name": model, "results": results}
	if err := c.postJSON(ctx, "generate-image", "/generate-image", in, &resp); err != nil {
		return ImageResponse{}, err
	}
	if resp.InferenceResults == nil {
		return ImageResponse{}, &models.ContractError{Op: "generate-image", Field: "inference_results"}
	}
	return ImageResponse{InferenceResults: *resp.InferenceResults, InferenceTime: resp.InferenceTime}, nil
}

// GenerateVideo asks the backend to encode an annotated copy of videoName
// and returns the relative path of the result.
func (c *Client) GenerateVideo(ctx context.Context, videoName string, detections []models.Detection) (string, error) {
	annotations := make([]videoAnnotation, 0, len(detections))
	for _, d := range detections {
		annotations = append(annotations, videoAnnotation{BoundingBoxes: videoBox(d), Label: d.Label})
	}

	var resp struct {
		AnnotatedVideoPath string `json:"annotated_video_path"`
	}
	in := map[string]any{"video_name": videoName, "annotations": annotations}
	if err := c.postJSON(ctx, "generate-video", "/generate-video", in, &resp); err != nil {
		return "", err
	}
	if resp.AnnotatedVideoPath == "" {
		return "", &models.ContractError{Op: "generate-video", Field: "annotated_video_path"}
	}
	return resp.AnnotatedVideoPath, nil
}

// Clear asks the backend to delete every uploaded and generated file
func (c *Client) Clear(ctx context.Context) error {
	return c.postJSON(ctx, "clear", "/clear", nil, nil)
}

// Categories returns the detector's category names ordered by id
func (c *Client) Categories(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/coco_categories", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var byID map[string]string
	if err := c.do(req, "coco-categories", &byID); err != nil {
		return nil, err
	}
	if len(byID) == 0 {
		return nil, &models.ContractError{Op: "coco-categories", Field: "categories", Reason: "empty catalog"}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA != nil || errB != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, byID[id])
	}
	return names, nil
}

// ImageURL returns the public URL of a generated image
func (c *Client) ImageURL(name, token string) string {
	return fmt.Sprintf("%s/uploads/%s?%s", c.baseURL, url.PathEscape(name), token)
}

// VideoURL returns the public URL of a generated video path
func (c *Client) VideoURL(path, token string) string {
	path = strings.TrimLeft(strings.ReplaceAll(path, `\`, "/"), "/")
	return fmt.Sprintf("%s/%s?%s", c.baseURL, path, token)
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("Backend call", "op", op, "status", resp.StatusCode, "took", time.Since(start))

	// Includes the 404 /search answers with when nothing matched
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &models.TransportError{Op: op, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.ContractError{Op: op, Field: "body", Reason: err.Error()}
	}
	return nil
}

type countingReader struct {
	r      io.Reader
	sent   int64
	onRead func(int64)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.sent += int64(n)
		if cr.onRead != nil {
			cr.onRead(cr.sent)
		}
	}
	return n, err
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
