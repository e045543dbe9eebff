package dashboard

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func templateFS(content string) fs.FS {
	return fstest.MapFS{
		"assets/index.html": &fstest.MapFile{Data: []byte(content)},
	}
}

func TestIndex_CustomTitle(t *testing.T) {
	got, err := Index(templateFS("<title>{{.Title}}</title><h1>{{.Title}}</h1>"), "Usage Statistics")
	if err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	if string(got) != "<title>Usage Statistics</title><h1>Usage Statistics</h1>" {
		t.Errorf("Index() = %s", got)
	}
}

func TestIndex_DefaultTitle(t *testing.T) {
	got, err := Index(templateFS("<title>{{.Title}}</title>"), "")
	if err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	if string(got) != "<title>Katharsis</title>" {
		t.Errorf("Index() = %s", got)
	}
}

func TestIndex_EscapesTitle(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"<script>alert('xss')</script>", "&lt;script&gt;"},
		{"Usage & Errors", "Usage &amp; Errors"},
	}
	for _, tt := range tests {
		got, err := Index(templateFS("<title>{{.Title}}</title>"), tt.title)
		if err != nil {
			t.Fatalf("Index() error = %v", err)
		}
		if strings.Contains(string(got), "<script>") {
			t.Errorf("title should be HTML-escaped: %s", got)
		}
		if !strings.Contains(string(got), tt.want) {
			t.Errorf("Index(%q) = %s, want it to contain %q", tt.title, got, tt.want)
		}
	}
}

func TestIndex_MissingTemplate(t *testing.T) {
	if _, err := Index(fstest.MapFS{}, "x"); err == nil {
		t.Error("Index() error = nil for missing template")
	}
	if _, err := Index(nil, "x"); err == nil {
		t.Error("Index() error = nil for nil assets")
	}
}

func TestNewPage_HasHostContainer(t *testing.T) {
	page, err := NewPage("Stats")
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}

	frag, err := page.Fragment("rx-katharsis-container")
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	if frag == nil {
		t.Fatal("embedded template has no rx-katharsis-container element")
	}

	var sb strings.Builder
	if _, err := page.WriteTo(&sb); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if !strings.Contains(sb.String(), "<title>Stats</title>") {
		t.Errorf("page title not substituted: %s", sb.String())
	}
	if strings.Contains(sb.String(), "{{.Title}}") {
		t.Error("placeholder left in page")
	}
}
