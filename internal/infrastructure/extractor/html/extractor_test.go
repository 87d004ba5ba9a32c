package html

import (
	"context"
	"testing"
)

func TestExtractKeepsVisibleTextPerBlock(t *testing.T) {
	page := `<!doctype html>
<html><head><title>Guide</title><style>p { color: red }</style></head>
<body>
  <h1>Goroutines</h1>
  <p>Goroutines are   <b>cheap</b> threads.</p>
  <script>var x = "hidden";</script>
  <ul><li>one</li><li>two &amp; three</li></ul>
</body></html>`

	got, err := NewExtractor().Extract(context.Background(), "guide.html", []byte(page))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := "Guide\nGoroutines\nGoroutines are cheap threads.\none\ntwo & three"
	if got != want {
		t.Fatalf("unexpected text:\n%q\nwant\n%q", got, want)
	}
}

func TestExtractEmptyDocument(t *testing.T) {
	got, err := NewExtractor().Extract(context.Background(), "empty.html", []byte("<html><body></body></html>"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty text, got %q", got)
	}
}
