package extractor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/infrastructure/extractor/html"
	"github.com/kirillkom/docsearch/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/docsearch/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/docsearch/internal/infrastructure/extractor/xlsx"
)

// Dispatcher routes a file to an extractor by its lower-cased extension.
type Dispatcher struct {
	byExt map[string]ports.TextExtractor
}

func NewDispatcher() *Dispatcher {
	text := plaintext.NewExtractor()
	d := &Dispatcher{byExt: map[string]ports.TextExtractor{}}
	for _, ext := range []string{".txt", ".md", ".markdown", ".csv", ".json", ".log"} {
		d.Register(ext, text)
	}
	d.Register(".html", html.NewExtractor())
	d.Register(".htm", html.NewExtractor())
	d.Register(".pdf", pdf.NewExtractor())
	d.Register(".xlsx", xlsx.NewExtractor())
	return d
}

func (d *Dispatcher) Register(ext string, e ports.TextExtractor) {
	d.byExt[strings.ToLower(ext)] = e
}

// Extensions lists the supported extensions in sorted order.
func (d *Dispatcher) Extensions() []string {
	out := make([]string, 0, len(d.byExt))
	for ext := range d.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	e, ok := d.byExt[ext]
	if !ok {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract",
			fmt.Errorf("unsupported file type %q, expected one of %s", ext, strings.Join(d.Extensions(), ", ")))
	}
	return e.Extract(ctx, filename, data)
}
