package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

type fakeIndex struct {
	deleted []domain.DeleteTarget
	sources []domain.SourceSummary
}

func (f *fakeIndex) Ingest(context.Context, ports.IngestRequest) (int, error) { return 0, nil }

func (f *fakeIndex) Delete(_ context.Context, target domain.DeleteTarget) (int, error) {
	f.deleted = append(f.deleted, target)
	return 4, nil
}

func (f *fakeIndex) ListSources(context.Context) ([]domain.SourceSummary, error) {
	return f.sources, nil
}

func (f *fakeIndex) Sample(context.Context, int) []domain.Chunk { return nil }

func (f *fakeIndex) State(context.Context) domain.IndexState {
	return domain.IndexState{Mode: domain.ModeDense, ModelIdentity: "nomic-embed-text", ChunkCount: 12, Dimension: 768}
}

type fakeRetriever struct {
	gotK int
	err  error
}

func (f *fakeRetriever) Retrieve(_ context.Context, text string, k int) ([]domain.RetrievalResult, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	return []domain.RetrievalResult{{ChunkID: 1, Source: "go.md", Text: text, Score: 0.8, Rank: 1}}, nil
}

type fakeAnswers struct {
	got ports.AnswerRequest
}

func (f *fakeAnswers) Answer(_ context.Context, req ports.AnswerRequest) (*domain.Answer, error) {
	f.got = req
	return &domain.Answer{Text: "Yes [1].", LLM: domain.LLMStatus{OK: true, Model: "m"}}, nil
}

func (f *fakeAnswers) Stream(context.Context, ports.AnswerRequest) (<-chan domain.StreamEvent, error) {
	return nil, errors.New("not used")
}

func (f *fakeAnswers) ProbeLLM(context.Context, string, string) domain.LLMStatus {
	return domain.LLMStatus{}
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func newTestServer() (*Server, *fakeIndex, *fakeRetriever, *fakeAnswers) {
	idx := &fakeIndex{}
	ret := &fakeRetriever{}
	ans := &fakeAnswers{}
	return NewServer(Dependencies{Index: idx, Retriever: ret, Answers: ans}), idx, ret, ans
}

func TestToolsAreListed(t *testing.T) {
	s, _, _, _ := newTestServer()
	msg := s.MCPServer().HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	for _, name := range []string{"retrieve", "answer", "list_sources", "delete_source", "index_state"} {
		if !strings.Contains(string(raw), `"name":"`+name+`"`) {
			t.Fatalf("tool %s missing from %s", name, raw)
		}
	}
}

func TestRetrieveToolForwardsK(t *testing.T) {
	s, _, ret, _ := newTestServer()
	res, err := s.retrieve(context.Background(), callRequest("retrieve", map[string]any{"query": "go", "k": float64(3)}))
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if ret.gotK != 3 {
		t.Fatalf("expected k=3, got %d", ret.gotK)
	}
	if !strings.Contains(resultText(t, res), `"source":"go.md"`) {
		t.Fatalf("unexpected result %s", resultText(t, res))
	}
}

func TestRetrieveToolRequiresQuery(t *testing.T) {
	s, _, _, _ := newTestServer()
	res, err := s.retrieve(context.Background(), callRequest("retrieve", map[string]any{}))
	if err != nil {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error result")
	}
}

func TestRetrieveToolReportsDomainErrors(t *testing.T) {
	s, _, ret, _ := newTestServer()
	ret.err = domain.WrapError(domain.ErrIndexInconsistent, "retrieve", errors.New("model changed"))
	res, err := s.retrieve(context.Background(), callRequest("retrieve", map[string]any{"query": "go"}))
	if err != nil {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "rebuild required") {
		t.Fatalf("expected inconsistent index error, got %+v", res)
	}
}

func TestAnswerToolPassesPersonaAndModel(t *testing.T) {
	s, _, _, ans := newTestServer()
	res, err := s.answer(context.Background(), callRequest("answer", map[string]any{
		"question": "is go compiled?",
		"persona":  "tutor",
		"model":    "llama3.1:8b",
	}))
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if ans.got.Persona != "tutor" || ans.got.Model != "llama3.1:8b" || ans.got.Text != "is go compiled?" {
		t.Fatalf("unexpected request %+v", ans.got)
	}
	if !strings.Contains(resultText(t, res), `"text":"Yes [1]."`) {
		t.Fatalf("unexpected result %s", resultText(t, res))
	}
}

func TestDeleteSourceTool(t *testing.T) {
	s, idx, _, _ := newTestServer()
	res, err := s.deleteSource(context.Background(), callRequest("delete_source", map[string]any{"source": "a.txt"}))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(idx.deleted) != 1 || idx.deleted[0].Source != "a.txt" {
		t.Fatalf("unexpected delete targets %+v", idx.deleted)
	}
	if resultText(t, res) != `{"deleted":4}` {
		t.Fatalf("unexpected result %s", resultText(t, res))
	}
}

func TestListSourcesAndStateTools(t *testing.T) {
	s, idx, _, _ := newTestServer()
	res, _ := s.listSources(context.Background(), callRequest("list_sources", nil))
	if resultText(t, res) != `{"sources":[]}` {
		t.Fatalf("unexpected empty listing %s", resultText(t, res))
	}

	idx.sources = []domain.SourceSummary{{Source: "a.txt", ChunkCount: 2}}
	res, _ = s.listSources(context.Background(), callRequest("list_sources", nil))
	if !strings.Contains(resultText(t, res), `"chunk_count":2`) {
		t.Fatalf("unexpected listing %s", resultText(t, res))
	}

	res, _ = s.indexState(context.Background(), callRequest("index_state", nil))
	if !strings.Contains(resultText(t, res), `"mode":"dense"`) {
		t.Fatalf("unexpected state %s", resultText(t, res))
	}
}

type memorySessions struct {
	turns map[string][]domain.ConversationTurn
}

func (m *memorySessions) RecentTurns(_ context.Context, id string, _ int) ([]domain.ConversationTurn, error) {
	return m.turns[id], nil
}

func (m *memorySessions) AppendTurn(_ context.Context, id, q, a string) error {
	m.turns[id] = append(m.turns[id],
		domain.ConversationTurn{Role: domain.RoleUser, Text: q},
		domain.ConversationTurn{Role: domain.RoleAssistant, Text: a},
	)
	return nil
}

func TestAnswerToolUsesSessionHistory(t *testing.T) {
	sessions := &memorySessions{turns: map[string][]domain.ConversationTurn{
		"s1": {{Role: domain.RoleUser, Text: "hi"}, {Role: domain.RoleAssistant, Text: "hello"}},
	}}
	ans := &fakeAnswers{}
	s := NewServer(Dependencies{Index: &fakeIndex{}, Retriever: &fakeRetriever{}, Answers: ans, Sessions: sessions, SessionPairs: 5})

	if _, err := s.answer(context.Background(), callRequest("answer", map[string]any{"question": "q", "session_id": "s1"})); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(ans.got.RecentTurns) != 2 {
		t.Fatalf("expected history passed, got %+v", ans.got.RecentTurns)
	}
	if len(sessions.turns["s1"]) != 4 {
		t.Fatalf("expected turn appended, got %+v", sessions.turns["s1"])
	}
}
