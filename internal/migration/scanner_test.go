package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractImageRefsHTML(t *testing.T) {
	body := `<p>hello</p><img src="http://cdn.example.com/a.png" alt="a">` +
		`<img class="wide" src="https://cdn.example.com/b.jpg?size=large#frag"/>`

	refs := ExtractImageRefs(body)
	assert.Len(t, refs, 2)
	assert.Equal(t, "http://cdn.example.com/a.png", refs[0].Canonical)
	assert.Equal(t, "https://cdn.example.com/b.jpg", refs[1].Canonical, "query and fragment are dropped")
	assert.Equal(t, "https://cdn.example.com/b.jpg?size=large#frag", refs[1].Raw)
}

func TestExtractImageRefsBBCode(t *testing.T) {
	body := `some text [img]http://cdn.example.com/c.gif[/img] more ` +
		`[IMG width=100]http://cdn.example.com/d.png[/IMG]`

	refs := ExtractImageRefs(body)
	assert.Len(t, refs, 2)
	assert.Equal(t, "http://cdn.example.com/c.gif", refs[0].Canonical)
	assert.Equal(t, "http://cdn.example.com/d.png", refs[1].Canonical)
}

func TestExtractImageRefsDeduplicates(t *testing.T) {
	body := `<img src="http://cdn.example.com/a.png"><img src="http://cdn.example.com/a.png?v=2">` +
		`[img]http://cdn.example.com/a.png[/img]`

	refs := ExtractImageRefs(body)
	assert.Len(t, refs, 1, "references collapsing to the same canonical URL appear once")
}

func TestExtractImageRefsProtocolRelative(t *testing.T) {
	refs := ExtractImageRefs(`<img src="//cdn.example.com/e.webp">`)
	assert.Len(t, refs, 1)
	assert.Equal(t, "https://cdn.example.com/e.webp", refs[0].Canonical)
	assert.Equal(t, "//cdn.example.com/e.webp", refs[0].Raw)
}

func TestExtractImageRefsIgnoresNonImages(t *testing.T) {
	refs := ExtractImageRefs(`<a href="http://cdn.example.com/a.png">link</a><script src="x.js"></script>`)
	assert.Empty(t, refs)
}

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://CDN.Example.com/a.png?x=1", "http://cdn.example.com/a.png"},
		{"  https://cdn.example.com/a.png#top ", "https://cdn.example.com/a.png"},
		{"//cdn.example.com/a.png", "https://cdn.example.com/a.png"},
		{"/uploads/local.png?v=3", "/uploads/local.png"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanonicalizeURL(tc.in), "input %q", tc.in)
	}
}
