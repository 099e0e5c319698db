// Package sanitize reduces feed HTML to the small tag set the reader renders.
package sanitize

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// AllowedElements is the complete set of elements kept by Clean.
var AllowedElements = []string{"a", "img", "br", "p", "em", "h1", "h2"}

var policy = newPolicy()

func newPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(AllowedElements...)
	p.AllowNoAttrs().OnElements("a")
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")

	// Links and images keep only http, https and mailto targets, or
	// relative ones; any other scheme drops the attribute.
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(true)
	return p
}

// Clean strips every element and attribute outside the allow-list. Disallowed
// tags are removed rather than escaped; the bodies of script and style are
// dropped with them.
func Clean(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	return policy.Sanitize(html)
}

// Wrap returns the cleaned fragment inside a single <div> container.
func Wrap(html string) string {
	return "<div>" + Clean(html) + "</div>"
}
