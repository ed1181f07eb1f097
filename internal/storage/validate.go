// validate.go: client-side pre-upload validation. Files are checked against
// size and extension constraints, and the extension is cross-checked against
// the actual decoded image header rather than trusted.
package storage

import (
	"image"
	"os"
	"path/filepath"
	"strings"

	// Registered decoders for the header cross-check
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/tphakala/media-migrate/internal/errors"
)

// defaultAllowedExtensions applies when the backend does not report its own
// list via GET /group.
var defaultAllowedExtensions = []string{"jpg", "jpeg", "png", "gif"}

// formats whose decoded header is accepted for a given extension.
var formatsByExtension = map[string][]string{
	"jpg":  {"jpeg"},
	"jpeg": {"jpeg"},
	"png":  {"png"},
	"gif":  {"gif"},
}

// localFile describes a validated upload candidate.
type localFile struct {
	Path      string
	Name      string
	Size      int64
	Mime      string
	Width     int
	Height    int
	Extension string
}

// validateLocalFile checks existence, readability, size cap and the
// extension/header combination. maxBytes and allowedExtensions come from
// the backend's group info when available.
func validateLocalFile(path string, maxBytes int64, allowedExtensions []string) (*localFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Newf("upload candidate not accessible: %w", err).
			Category(errors.CategoryValidation).
			Component("storage").
			FileContext(path, 0).
			Build()
	}
	if info.IsDir() {
		return nil, errors.Newf("upload candidate is a directory").
			Category(errors.CategoryValidation).
			Component("storage").
			Build()
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, errors.Newf("file size %d exceeds maximum of %d bytes", info.Size(), maxBytes).
			Category(errors.CategoryValidation).
			Component("storage").
			FileContext(path, info.Size()).
			Build()
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if len(allowedExtensions) == 0 {
		allowedExtensions = defaultAllowedExtensions
	}
	if !containsFold(allowedExtensions, ext) {
		return nil, errors.Newf("extension %q is not allowed", ext).
			Category(errors.CategoryValidation).
			Component("storage").
			Context("extension", ext).
			Build()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Newf("opening upload candidate: %w", err).
			Category(errors.CategoryValidation).
			Component("storage").
			Build()
	}
	defer func() {
		_ = f.Close()
	}()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, errors.Newf("file is not a decodable image: %w", err).
			Category(errors.CategoryValidation).
			Component("storage").
			Context("extension", ext).
			Build()
	}

	// The decoded format must agree with the claimed extension
	if accepted, ok := formatsByExtension[ext]; ok && !containsFold(accepted, format) {
		return nil, errors.Newf("extension %q does not match decoded image format %q", ext, format).
			Category(errors.CategoryValidation).
			Component("storage").
			Context("extension", ext).
			Context("format", format).
			Build()
	}

	return &localFile{
		Path:      path,
		Name:      filepath.Base(path),
		Size:      info.Size(),
		Mime:      "image/" + format,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Extension: ext,
	}, nil
}

// containsFold reports whether list contains s case-insensitively.
func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
