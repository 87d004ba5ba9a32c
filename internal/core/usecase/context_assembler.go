package usecase

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const (
	DefaultContextCharsPerChunk = 800
	DefaultContextMaxChars      = 5000

	contextSeparator = "\n\n"
	previewRunes     = 200
)

type AssembledContext struct {
	Text string
	// Entries are the numbered lines that made it into Text.
	Entries   []string
	Citations []domain.Citation
}

// AssembleContext numbers every non-empty result 1..M, truncates each text to
// perChunk runes and joins entries until the next one would push the block
// past total runes, separators included. Citations cover all M results;
// InContext marks the ones present in Text. A budget <= 0 means unlimited.
func AssembleContext(results []domain.RetrievalResult, perChunk, total int) AssembledContext {
	var (
		out     AssembledContext
		builder strings.Builder
		used    int
		full    bool
		n       int
	)
	for _, r := range results {
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		n++
		entry := fmt.Sprintf("[%d] %s", n, truncateRunes(r.Text, perChunk))
		cost := utf8.RuneCountInString(entry)
		if len(out.Entries) > 0 {
			cost += utf8.RuneCountInString(contextSeparator)
		}

		inContext := false
		if !full {
			if total > 0 && used+cost > total {
				full = true
			} else {
				if len(out.Entries) > 0 {
					builder.WriteString(contextSeparator)
				}
				builder.WriteString(entry)
				used += cost
				out.Entries = append(out.Entries, entry)
				inContext = true
			}
		}

		out.Citations = append(out.Citations, domain.Citation{
			Number:    n,
			Source:    r.Source,
			ChunkID:   r.ChunkID,
			Ordinal:   r.Ordinal,
			Score:     r.Score,
			Preview:   truncateRunes(r.Text, previewRunes),
			InContext: inContext,
		})
	}
	out.Text = builder.String()
	return out
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	i := 0
	for pos := range s {
		if i == limit {
			return s[:pos]
		}
		i++
	}
	return s
}
