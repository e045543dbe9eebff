package render

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/html"
)

// Page is an HTML document shared between the widget, which mutates it, and
// the HTTP server, which serializes it.
//
// All access to the tree goes through [Page.Update] and [Page.View] so that
// rendering and serving never overlap.
type Page struct {
	mu  sync.RWMutex
	doc *html.Node
}

// ParsePage parses an HTML document from r.
func ParsePage(r io.Reader) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	return &Page{doc: doc}, nil
}

// NewPage wraps an already parsed document.
func NewPage(doc *html.Node) *Page {
	return &Page{doc: doc}
}

// Update runs fn with exclusive access to the document root.
func (p *Page) Update(fn func(doc *html.Node) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.doc)
}

// View runs fn with shared read access to the document root.
// fn must not modify the tree.
func (p *Page) View(fn func(doc *html.Node) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fn(p.doc)
}

// WriteTo serializes the document to w.
func (p *Page) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	if err := p.View(func(doc *html.Node) error {
		return html.Render(&buf, doc)
	}); err != nil {
		return 0, fmt.Errorf("failed to render page: %w", err)
	}
	return buf.WriteTo(w)
}

// Fragment serializes the subtree rooted at the first element carrying
// class. Returns nil if no such element exists.
func (p *Page) Fragment(class string) ([]byte, error) {
	var buf bytes.Buffer
	found := false
	err := p.View(func(doc *html.Node) error {
		n := FindByClass(doc, class)
		if n == nil {
			return nil
		}
		found = true
		return html.Render(&buf, n)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render fragment: %w", err)
	}
	if !found {
		return nil, nil
	}
	return buf.Bytes(), nil
}
