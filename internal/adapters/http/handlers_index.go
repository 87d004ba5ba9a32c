package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

const (
	defaultSampleLimit = 20
	previewRunes       = 120
	multipartMemory    = 8 << 20
)

type ingestRequest struct {
	Source        string `json:"source"`
	ReplaceSource bool   `json:"replace_source"`
	Chunks        []struct {
		Text string           `json:"text"`
		Span *domain.CharSpan `json:"span"`
	} `json:"chunks"`
}

func (rt *Router) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	chunks := make([]domain.ChunkInput, 0, len(req.Chunks))
	for _, c := range req.Chunks {
		span := domain.CharSpan{Start: 0, End: utf8.RuneCountInString(c.Text)}
		if c.Span != nil {
			span = *c.Span
		}
		chunks = append(chunks, domain.ChunkInput{Text: c.Text, Span: span})
	}
	n, err := rt.index.Ingest(r.Context(), ports.IngestRequest{
		Source:        req.Source,
		Chunks:        chunks,
		ReplaceSource: req.ReplaceSource,
	})
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ingested": n})
}

func (rt *Router) upload(w http.ResponseWriter, r *http.Request) {
	var chunkSize, overlap *int
	var userID *string
	if err := bindQuery(r, "chunk_size", false, &chunkSize); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if err := bindQuery(r, "overlap", false, &overlap); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if err := bindQuery(r, "user_id", false, &userID); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	size, over := intOrZero(chunkSize), intOrZero(overlap)

	r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.UploadMaxBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()
	filename := filepath.Base(header.Filename)

	if rt.uploads != nil {
		key, err := rt.uploads.Submit(r.Context(), filename, file, size, over)
		if err != nil {
			rt.writeDomainError(w, r, err)
			return
		}
		rt.recordUpload(r.Context(), stringOrEmpty(userID))
		writeJSON(w, http.StatusAccepted, map[string]string{"storage_key": key})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read uploaded file")
		return
	}
	n, err := rt.ingestor.IngestFile(r.Context(), filename, data, size, over)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	rt.recordUpload(r.Context(), stringOrEmpty(userID))
	writeJSON(w, http.StatusOK, map[string]any{"source": filename, "ingested": n})
}

func (rt *Router) deleteChunks(w http.ResponseWriter, r *http.Request) {
	var source *string
	var id *int64
	if err := bindQuery(r, "source", false, &source); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if err := bindQuery(r, "id", false, &id); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}

	var target domain.DeleteTarget
	switch {
	case source != nil && id == nil:
		target = domain.DeleteBySource(*source)
	case id != nil && source == nil && *id > 0:
		target = domain.DeleteByID(uint64(*id))
	default:
		writeError(w, http.StatusBadRequest, "exactly one of source or id is required")
		return
	}

	n, err := rt.index.Delete(r.Context(), target)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (rt *Router) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := rt.index.ListSources(r.Context())
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if sources == nil {
		sources = []domain.SourceSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

type chunkView struct {
	ID      uint64          `json:"id"`
	Source  string          `json:"source"`
	Ordinal int             `json:"ordinal"`
	Span    domain.CharSpan `json:"span"`
	Preview string          `json:"preview"`
}

func (rt *Router) indexState(w http.ResponseWriter, r *http.Request) {
	var limitParam *int
	if err := bindQuery(r, "limit", false, &limitParam); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	limit := defaultSampleLimit
	if limitParam != nil {
		limit = *limitParam
	}

	sample := rt.index.Sample(r.Context(), limit)
	views := make([]chunkView, 0, len(sample))
	for _, c := range sample {
		views = append(views, chunkView{
			ID:      c.ID,
			Source:  c.Source,
			Ordinal: c.Ordinal,
			Span:    c.Span,
			Preview: preview(c.Text),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  rt.index.State(r.Context()),
		"sample": views,
	})
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	return string([]rune(text)[:previewRunes]) + "…"
}
