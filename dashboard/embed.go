// Package dashboard provides the embedded page template for Katharsis.
//
// The template is compiled into the binary with Go's embed directive. It
// carries the host container element the widget renders into; everything
// else on the page is static.
package dashboard

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"io/fs"

	"github.com/jpalmerr/katharsis/internal/render"
)

const (
	// DefaultTitle is used when no custom title is configured.
	DefaultTitle = "Katharsis"

	// indexPath is the template location inside [Assets].
	indexPath = "assets/index.html"

	// titlePlaceholder is the marker in the template replaced with the title.
	titlePlaceholder = "{{.Title}}"
)

// Assets is an embedded filesystem containing the page template.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - page with inline CSS and the widget host container
//
//go:embed assets/*
var Assets embed.FS

// Index returns the template from assets with title substituted. The title
// is HTML-escaped; an empty title becomes [DefaultTitle].
func Index(assets fs.FS, title string) ([]byte, error) {
	if assets == nil {
		return nil, fmt.Errorf("dashboard assets not configured")
	}
	content, err := fs.ReadFile(assets, indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", indexPath, err)
	}

	if title == "" {
		title = DefaultTitle
	}
	return bytes.ReplaceAll(content, []byte(titlePlaceholder), []byte(html.EscapeString(title))), nil
}

// NewPage parses the embedded template into a page document.
func NewPage(title string) (*render.Page, error) {
	content, err := Index(Assets, title)
	if err != nil {
		return nil, err
	}
	return render.ParsePage(bytes.NewReader(content))
}
