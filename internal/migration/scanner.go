// scanner.go: extraction of image references from record bodies. HTML img
// tags are parsed with a real tokenizer, bbcode img tags with a regex, and
// both feed the same canonical form.
package migration

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// bbcode [img]...[/img], optionally with attributes in the opening tag
var bbcodeImgPattern = regexp.MustCompile(`(?is)\[img[^\]]*\](.*?)\[/img\]`)

// Ref is one image reference found in a body, in source order.
type Ref struct {
	Raw       string // reference exactly as it appears in the body
	Canonical string // canonical form used for mapping lookups
}

// ExtractImageRefs collects every image reference in a body fragment:
// the src of each HTML img element plus bbcode img tags. Duplicates are
// collapsed to the first occurrence.
func ExtractImageRefs(body string) []Ref {
	seen := make(map[string]struct{})
	var refs []Ref

	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		canonical := CanonicalizeURL(raw)
		if _, dup := seen[canonical]; dup {
			return
		}
		seen[canonical] = struct{}{}
		refs = append(refs, Ref{Raw: raw, Canonical: canonical})
	}

	tokenizer := html.NewTokenizer(strings.NewReader(body))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := tokenizer.TagName()
		if string(name) != "img" || !hasAttr {
			continue
		}
		for {
			key, val, more := tokenizer.TagAttr()
			if string(key) == "src" {
				add(string(val))
			}
			if !more {
				break
			}
		}
	}

	for _, m := range bbcodeImgPattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}

	return refs
}

// CanonicalizeURL produces the mapping key for a reference: protocol-relative
// URLs get an https scheme, query and fragment are dropped, and host casing
// is normalized. Unparseable input is returned trimmed as-is.
func CanonicalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	return parsed.String()
}
