// diagnostics.go: redacted request snapshots recorded before each upload.
// The snapshot travels with any subsequent error so a failed upload can be
// diagnosed without ever exposing the credential.
package storage

import (
	"fmt"

	"github.com/tphakala/media-migrate/internal/privacy"
)

// Snapshot is a redacted description of one outbound upload request.
type Snapshot struct {
	Endpoint   string `json:"endpoint"`
	Bucket     int    `json:"bucket"`
	Album      int    `json:"album,omitempty"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	Mime       string `json:"mime"`
	SourceURL  string `json:"source_url,omitempty"`
	Credential string `json:"credential"` // always a redacted placeholder
}

// newSnapshot builds the redacted snapshot for an upload attempt.
func newSnapshot(endpoint string, dest Destination, fileName string, fileSize int64, mime, sourceURL, apiKey string) Snapshot {
	s := Snapshot{
		Endpoint:   privacy.SanitizeURL(endpoint),
		Bucket:     dest.Bucket,
		Album:      dest.Album,
		FileName:   fileName,
		FileSize:   fileSize,
		Mime:       mime,
		Credential: privacy.RedactCredential(apiKey),
	}
	if sourceURL != "" {
		s.SourceURL = privacy.SanitizeURL(sourceURL)
	}
	return s
}

// String renders the snapshot for inclusion in error messages.
func (s Snapshot) String() string {
	return fmt.Sprintf("endpoint=%s bucket=%d album=%d file=%s size=%d mime=%s credential=%s",
		s.Endpoint, s.Bucket, s.Album, s.FileName, s.FileSize, s.Mime, s.Credential)
}
