package html

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// Text inside these elements never reaches the index.
var skipped = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
}

var blocks = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true,
	"pre": true, "blockquote": true, "table": true, "ul": true, "ol": true, "title": true,
}

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns the visible text of an HTML page, one line per block element.
func (e *Extractor) Extract(_ context.Context, filename string, data []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var (
		out   strings.Builder
		line  strings.Builder
		depth int
	)
	flush := func() {
		if s := strings.Join(strings.Fields(line.String()), " "); s != "" {
			out.WriteString(s)
			out.WriteByte('\n')
		}
		line.Reset()
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", domain.WrapError(domain.ErrInvalidInput, "extract html", fmt.Errorf("%s: %w", filename, err))
			}
			flush()
			return strings.TrimSpace(out.String()), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipped[tag] {
				depth++
			}
			if blocks[tag] {
				flush()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipped[tag] && depth > 0 {
				depth--
			}
			if blocks[tag] {
				flush()
			}
		case html.TextToken:
			if depth == 0 {
				line.Write(z.Text())
				line.WriteByte(' ')
			}
		}
	}
}
