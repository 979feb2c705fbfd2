package media

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdougie/visionsearch/internal/models"
)

// OpenFile builds an upload handle for the file at path
func OpenFile(path string) (models.FileHandle, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return models.FileHandle{}, fmt.Errorf("file does not exist at path: '%s'", path)
	}
	if err != nil {
		return models.FileHandle{}, fmt.Errorf("failed to stat '%s': %w", path, err)
	}
	if info.IsDir() {
		return models.FileHandle{}, fmt.Errorf("'%s' is a directory", path)
	}

	mimeType, err := detectMIME(path)
	if err != nil {
		return models.FileHandle{}, err
	}

	return models.FileHandle{
		Name:     filepath.Base(path),
		MIMEType: mimeType,
		Size:     info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// Bytes builds an in-memory upload handle
func Bytes(name, mimeType string, data []byte) models.FileHandle {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return models.FileHandle{
		Name:     name,
		MIMEType: mimeType,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// KindOf infers the artifact kind of a handle from its MIME type
func KindOf(h models.FileHandle) (models.ArtifactKind, error) {
	if kind, ok := models.KindFromMIME(h.MIMEType); ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: cannot tell whether '%s' (%s) is an image or a video", models.ErrPrecondition, h.Name, h.MIMEType)
}

// detectMIME uses the extension first and falls back to sniffing the header
func detectMIME(path string) (string, error) {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open '%s': %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("failed to read '%s': %w", path, err)
	}
	return http.DetectContentType(head[:n]), nil
}
