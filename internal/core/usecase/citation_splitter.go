package usecase

import "regexp"

// An opening bracket with only digits after it may still become [n].
var openCitation = regexp.MustCompile(`\[[0-9]*$`)

// CitationSplitter re-chunks streamed text so no emitted piece ends inside
// a citation marker. It is not safe for concurrent use.
type CitationSplitter struct {
	pending string
}

// Push appends delta and returns the part that is safe to emit now.
func (s *CitationSplitter) Push(delta string) string {
	buf := s.pending + delta
	loc := openCitation.FindStringIndex(buf)
	if loc == nil {
		s.pending = ""
		return buf
	}
	s.pending = buf[loc[0]:]
	return buf[:loc[0]]
}

// Flush returns whatever is withheld, marker or not.
func (s *CitationSplitter) Flush() string {
	out := s.pending
	s.pending = ""
	return out
}
