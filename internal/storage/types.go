// types.go: wire types of the storage API contract.
package storage

// Bucket is one upload destination reported by the storage backend.
type Bucket struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// GroupInfo is the backend's GET /group response: valid buckets plus the
// upload constraints used for client-side pre-validation.
type GroupInfo struct {
	Buckets           []Bucket `json:"groups"`
	AllowedExtensions []string `json:"allowed_extensions"`
	MaxUploadBytes    int64    `json:"max_upload_size"`
}

// HasBucket reports whether the backend currently considers id valid.
func (g *GroupInfo) HasBucket(id int) bool {
	for _, b := range g.Buckets {
		if b.ID == id {
			return true
		}
	}
	return false
}

// FirstBucket returns the first valid bucket id, 0 when none are reported.
func (g *GroupInfo) FirstBucket() int {
	if len(g.Buckets) == 0 {
		return 0
	}
	return g.Buckets[0].ID
}

// Album is one collection reported by GET /user/albums.
type Album struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

// Profile is the GET /user/profile response used for credential checks.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Asset is the result of a successful upload: the final URL plus the
// backend's numeric id (0 when the backend did not return one).
type Asset struct {
	URL string
	ID  int64
}
