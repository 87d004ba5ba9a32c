package extractor

import (
	"context"
	"testing"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

type stubExtractor string

func (s stubExtractor) Extract(context.Context, string, []byte) (string, error) {
	return string(s), nil
}

func TestDispatcherRoutesByExtension(t *testing.T) {
	d := NewDispatcher()

	got, err := d.Extract(context.Background(), "Notes.MD", []byte("# title"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != "# title" {
		t.Fatalf("unexpected text %q", got)
	}

	d.Register(".docx", stubExtractor("docx body"))
	if got, _ := d.Extract(context.Background(), "a.docx", nil); got != "docx body" {
		t.Fatalf("registered extractor not used, got %q", got)
	}
}

func TestDispatcherRejectsUnknownExtension(t *testing.T) {
	_, err := NewDispatcher().Extract(context.Background(), "image.png", []byte{1, 2})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDispatcherHandlesHTML(t *testing.T) {
	got, err := NewDispatcher().Extract(context.Background(), "page.htm", []byte("<p>hello</p><p>world</p>"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != "hello\nworld" {
		t.Fatalf("unexpected text %q", got)
	}
}
