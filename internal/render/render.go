// Package render projects usage metrics into HTML panel trees.
//
// The renderer works on [golang.org/x/net/html] nodes. It is handed the host
// element it renders into and owns that element's children from the first
// render on: every render replaces all of them with a fresh panel row.
//
// The produced structure is:
//
//	div.flex-panel.row-reverse
//	  div.flex-column.very-very-wide        (one per metric: total, new, unique)
//	    div.panel.radius
//	      h3.panel-header
//	        span.mw-headline
//	          span.value-item   - value text
//	          span.value-label  - label text
package render

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/jpalmerr/katharsis/internal/metrics"
)

// CSS classes of the generated tree.
const (
	ClassPanelRow    = "flex-panel row-reverse"
	ClassColumn      = "flex-column very-very-wide"
	ClassPanel       = "panel radius"
	ClassPanelHeader = "panel-header"
	ClassHeadline    = "mw-headline"
	ClassValue       = "value-item"
	ClassLabel       = "value-label"
)

// ErrMalformedPayload is returned when a payload lacks the "total" object.
// Missing counters inside it are rendered as [metrics.MissingValue].
var ErrMalformedPayload = errors.New("malformed metrics payload")

// Renderer rebuilds the panel row inside a host element.
//
// Renderer does not synchronize access to the host; callers that share the
// document between goroutines serialize through [Page.Update].
type Renderer struct {
	host *html.Node
}

// New creates a [Renderer] targeting host.
//
// Returns an error if host is nil or not an element node.
func New(host *html.Node) (*Renderer, error) {
	if host == nil {
		return nil, errors.New("host element cannot be nil")
	}
	if host.Type != html.ElementNode {
		return nil, fmt.Errorf("host must be an element node, got node type %d", host.Type)
	}
	return &Renderer{host: host}, nil
}

// Host returns the element the renderer writes into.
func (r *Renderer) Host() *html.Node {
	return r.host
}

// Render replaces the host's children with a panel row for p.
//
// The new row is built completely before the host is touched, so a payload
// that fails to build leaves the previous content in place.
func (r *Renderer) Render(p *metrics.Payload) error {
	row, err := BuildPanelRow(p)
	if err != nil {
		return err
	}

	Clear(r.host)
	r.host.AppendChild(row)
	return nil
}

// BuildPanelRow builds a detached panel row for the total bucket of p.
func BuildPanelRow(p *metrics.Payload) (*html.Node, error) {
	if p == nil || p.Total == nil {
		return nil, fmt.Errorf("%w: missing \"total\" object", ErrMalformedPayload)
	}

	row := element(atom.Div, ClassPanelRow)
	for _, m := range p.Total.Metrics() {
		row.AppendChild(buildPanel(m))
	}
	return row, nil
}

func buildPanel(m metrics.Metric) *html.Node {
	value := element(atom.Span, ClassValue)
	value.AppendChild(text(m.Value))

	label := element(atom.Span, ClassLabel)
	label.AppendChild(text(m.Label))

	headline := element(atom.Span, ClassHeadline)
	headline.AppendChild(value)
	headline.AppendChild(label)

	header := element(atom.H3, ClassPanelHeader)
	header.AppendChild(headline)

	panel := element(atom.Div, ClassPanel)
	panel.AppendChild(header)

	column := element(atom.Div, ClassColumn)
	column.AppendChild(panel)
	return column
}

// ChartFrame builds the fixed-configuration chart iframe for src.
func ChartFrame(src string) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     atom.Iframe.String(),
		DataAtom: atom.Iframe,
		Attr: []html.Attribute{
			{Key: "src", Val: src},
			{Key: "height", Val: "400"},
			{Key: "scrolling", Val: "no"},
			{Key: "seamless", Val: "seamless"},
		},
	}
}

// Slot builds an empty span used as a child mount point.
func Slot(class string) *html.Node {
	return element(atom.Span, class)
}

// Clear detaches every child of n.
func Clear(n *html.Node) {
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
	}
}

// FindByClass returns the first element under root, in document order,
// whose class attribute contains class. Returns nil if there is none.
func FindByClass(root *html.Node, class string) *html.Node {
	if root == nil {
		return nil
	}
	if root.Type == html.ElementNode && HasClass(root, class) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := FindByClass(c, class); found != nil {
			return found
		}
	}
	return nil
}

// HasClass reports whether n's class attribute lists class.
func HasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Namespace != "" || a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

// TextContent returns the concatenated text of n and its descendants.
func TextContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func element(a atom.Atom, class string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     a.String(),
		DataAtom: a,
	}
	if class != "" {
		n.Attr = []html.Attribute{{Key: "class", Val: class}}
	}
	return n
}

func text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}
