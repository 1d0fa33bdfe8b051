package chat_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"

	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/repository"
	"github.com/k-hirata/manabu/pkg/service/cache"
	"github.com/k-hirata/manabu/pkg/usecase/chat"
	"google.golang.org/genai"
)

// Mock Gemini with a queue of scripted responses
type mockGemini struct {
	mu        sync.Mutex
	responses []mockResponse
	calls     int
}

type mockResponse struct {
	text     string
	funcCall *genai.FunctionCall
	err      error
}

func (m *mockGemini) queue(responses ...mockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if len(m.responses) == 0 {
		return nil, goerr.New("no scripted response left")
	}
	next := m.responses[0]
	m.responses = m.responses[1:]

	if next.err != nil {
		return nil, next.err
	}

	part := &genai.Part{Text: next.text}
	if next.funcCall != nil {
		part = &genai.Part{FunctionCall: next.funcCall}
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{part}}},
		},
	}, nil
}

func (m *mockGemini) Embedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func textResp(text string) mockResponse {
	return mockResponse{text: text}
}

func jsonResp(v any) mockResponse {
	data, _ := json.Marshal(v)
	return mockResponse{text: string(data)}
}

func classificationResp(queryType model.QueryType, canonical string) mockResponse {
	return jsonResp(map[string]any{
		"query_type":        queryType,
		"canonical_query":   canonical,
		"confidence":        0.95,
		"detected_language": "en",
		"subjects":          []string{"Biology"},
	})
}

func validResp() mockResponse {
	return jsonResp(map[string]any{"is_valid": true, "needs_clarification": false})
}

// Mock Repository
type mockRepository struct {
	mu        sync.Mutex
	sessions  map[model.SessionID]*model.Session
	turns     map[model.SessionID][]model.Turn
	appendErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		sessions: make(map[model.SessionID]*model.Session),
		turns:    make(map[model.SessionID][]model.Turn),
	}
}

func (m *mockRepository) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, goerr.Wrap(repository.ErrSessionNotFound, "no such session")
	}
	copied := *session
	return &copied, nil
}

func (m *mockRepository) PutSession(ctx context.Context, session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	copied.UpdatedAt = time.Now()
	m.sessions[session.SessionID] = &copied
	return nil
}

func (m *mockRepository) AppendTurns(ctx context.Context, id model.SessionID, turns []model.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	session, ok := m.sessions[id]
	if !ok {
		session = &model.Session{SessionID: id, CreatedAt: time.Now()}
		m.sessions[id] = session
	}
	m.turns[id] = append(m.turns[id], turns...)
	session.MessageCount += len(turns)
	session.UpdatedAt = time.Now()
	return nil
}

func (m *mockRepository) RecentTurns(ctx context.Context, id model.SessionID, limit int) ([]model.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.turns[id]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]model.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *mockRepository) BeginSummary(ctx context.Context, id model.SessionID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok || session.Summarizing {
		return false, nil
	}
	session.Summarizing = true
	return true, nil
}

func (m *mockRepository) FinishSummary(ctx context.Context, id model.SessionID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return goerr.New("no such session")
	}
	session.Summarizing = false
	if summary != "" {
		session.Summary = summary
	}
	return nil
}

func (m *mockRepository) PutDocument(ctx context.Context, doc *model.Document) error {
	return nil
}

func (m *mockRepository) SearchDocuments(ctx context.Context, embedding firestore.Vector32, filter map[string]any, limit int) ([]*model.Document, error) {
	return nil, nil
}

func (m *mockRepository) session(id model.SessionID) *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil
	}
	copied := *session
	return &copied
}

// Mock document searcher
type mockSearcher struct {
	mu      sync.Mutex
	docs    []*model.Document
	queries []string
	filters []map[string]any
}

func (m *mockSearcher) Retrieve(ctx context.Context, query string, filters map[string]any) ([]*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	m.filters = append(m.filters, filters)
	return m.docs, nil
}

func (m *mockSearcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

type testPipeline struct {
	Pipeline *chat.Pipeline
	Gemini   *mockGemini
	Repo     *mockRepository
	Searcher *mockSearcher
}

func setupPipeline(t *testing.T, cfg *model.Config) *testPipeline {
	gemini := &mockGemini{}
	repo := newMockRepository()
	searcher := &mockSearcher{}

	if cfg == nil {
		c := model.DefaultConfig()
		cfg = &c
	}

	pipeline, err := chat.New(chat.Input{
		Repo:     repo,
		Gemini:   gemini,
		Buffer:   cache.NewMemoryBuffer(cfg.MaxBufferTurns, cfg.BufferTTL.Std()),
		Searcher: searcher,
		Config:   cfg,
	})
	gt.NoError(t, err)

	return &testPipeline{
		Pipeline: pipeline,
		Gemini:   gemini,
		Repo:     repo,
		Searcher: searcher,
	}
}

func studentRequest(sessionID, query string) *model.ChatRequest {
	return &model.ChatRequest{
		SessionID: model.SessionID(sessionID),
		UserID:    "user-1",
		Role:      model.UserRoleStudent,
		Query:     query,
	}
}

func TestAsk_GreetingFastPath(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Gemini.queue(textResp("Hi! What would you like to study today?"))

	resp, err := h.Pipeline.Ask(ctx, studentRequest("s1", "hello"))
	gt.NoError(t, err)

	gt.V(t, resp.QueryType).Equal(model.QueryTypeConversational)
	gt.V(t, resp.Message).Equal("Hi! What would you like to study today?")
	gt.Number(t, resp.LLMCalls).Equal(1).Describe("greeting must take a single model call")
	gt.Number(t, h.Searcher.callCount()).Equal(0).Describe("greeting must not trigger retrieval")
	gt.A(t, resp.Citations).Length(0)
}

func TestAsk_KnowledgeAnswerWithCitations(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Searcher.docs = []*model.Document{
		{ID: "doc-a", Text: "Photosynthesis converts light to chemical energy.", Score: 0.9,
			Metadata: map[string]any{"subject": "Biology", "chapter": "5"}},
		{ID: "doc-b", Text: "Loosely related passage.", Score: 0.5},
	}
	h.Gemini.queue(
		classificationResp(model.QueryTypeKnowledge, "what is photosynthesis"),
		textResp("Photosynthesis is how plants convert light into chemical energy."),
		validResp(),
	)

	resp, err := h.Pipeline.Ask(ctx, studentRequest("s1", "What is photosynthesis?"))
	gt.NoError(t, err)

	gt.V(t, resp.QueryType).Equal(model.QueryTypeKnowledge)
	gt.Number(t, resp.LLMCalls).Equal(3)
	gt.False(t, resp.LowConfidence)

	gt.A(t, resp.Citations).Length(1)
	gt.V(t, resp.Citations[0].ID).Equal(model.DocumentID("doc-a"))
	gt.V(t, resp.Citations[0].Subject).Equal("Biology")

	gt.Number(t, h.Searcher.callCount()).GreaterOrEqual(1).Describe("knowledge-seeking queries retrieve eagerly")
}

func TestAsk_CallerFiltersOnlyReachRetrieval(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Gemini.queue(
		jsonResp(map[string]any{
			"query_type":        model.QueryTypeKnowledge,
			"canonical_query":   "what is photosynthesis",
			"confidence":        0.95,
			"detected_language": "en",
			"subjects":          []string{"Biology"},
			"subject":           "Biology",
			"chapter":           "5",
		}),
		textResp("An answer."),
	)

	req := studentRequest("s1", "What is photosynthesis?")
	req.Filters = map[string]any{"subject": "Chemistry"}
	_, err := h.Pipeline.Ask(ctx, req)
	gt.NoError(t, err)

	gt.Number(t, h.Searcher.callCount()).GreaterOrEqual(1)
	for _, filters := range h.Searcher.filters {
		// the classifier extracted Biology; only the caller's filter may pass
		gt.V(t, filters).Equal(map[string]any{"subject": "Chemistry"})
	}
}

func TestAsk_CitationsSortedByScore(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Searcher.docs = []*model.Document{
		{ID: "doc-low", Text: "Background material.", Score: 0.7},
		{ID: "doc-high", Text: "Directly relevant passage.", Score: 0.9},
		{ID: "doc-tie", Text: "Equally relevant passage.", Score: 0.9},
	}
	h.Gemini.queue(
		classificationResp(model.QueryTypeKnowledge, "how do vaccines work"),
		textResp("Vaccines train the immune system."),
		validResp(),
	)

	resp, err := h.Pipeline.Ask(ctx, studentRequest("s1", "How do vaccines work?"))
	gt.NoError(t, err)

	gt.A(t, resp.Citations).Length(3)
	gt.V(t, resp.Citations[0].ID).Equal(model.DocumentID("doc-high"))
	gt.V(t, resp.Citations[1].ID).Equal(model.DocumentID("doc-tie"))
	gt.V(t, resp.Citations[2].ID).Equal(model.DocumentID("doc-low"))
}

func TestAsk_ValidationRetryThenLowConfidence(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Searcher.docs = []*model.Document{
		{ID: "doc-a", Text: "Mitochondria produce ATP.", Score: 0.8},
	}
	invalid := jsonResp(map[string]any{
		"is_valid":            false,
		"needs_clarification": false,
		"feedback":            "claim not supported by the material",
	})
	h.Gemini.queue(
		classificationResp(model.QueryTypeKnowledge, "what do mitochondria do"),
		textResp("first draft"),
		invalid,
		textResp("second draft"),
		invalid,
	)

	resp, err := h.Pipeline.Ask(ctx, studentRequest("s1", "What do mitochondria do?"))
	gt.NoError(t, err)

	gt.V(t, resp.Message).Equal("second draft")
	gt.True(t, resp.LowConfidence)
	gt.Number(t, resp.LLMCalls).Equal(5).Describe("exactly one corrected regeneration")
}

func TestAsk_ClarificationOverridesAnswer(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Searcher.docs = []*model.Document{
		{ID: "doc-a", Text: "Newton's laws of motion.", Score: 0.9},
	}
	h.Gemini.queue(
		classificationResp(model.QueryTypeKnowledge, "explain the law"),
		textResp("draft answer"),
		jsonResp(map[string]any{
			"is_valid":               false,
			"needs_clarification":    true,
			"clarification_question": "Which law do you mean, the first, second or third?",
		}),
	)

	resp, err := h.Pipeline.Ask(ctx, studentRequest("s1", "Explain the law"))
	gt.NoError(t, err)

	gt.V(t, resp.Message).Equal("Which law do you mean, the first, second or third?")
	gt.A(t, resp.Citations).Length(0)
	gt.False(t, resp.LowConfidence)
}

func TestAsk_IterationCapForcesSynthesis(t *testing.T) {
	ctx := context.Background()
	cfg := model.DefaultConfig()
	cfg.MaxIterations = 2
	h := setupPipeline(t, &cfg)
	h.Searcher.docs = []*model.Document{
		{ID: "doc-a", Text: "Cell division stages.", Score: 0.8},
	}

	retrieve := &genai.FunctionCall{
		Name: "retrieve_documents",
		Args: map[string]any{"query": "cell division"},
	}
	h.Gemini.queue(
		classificationResp(model.QueryTypeKnowledge, "cell division"),
		mockResponse{funcCall: retrieve},
		mockResponse{funcCall: retrieve},
		textResp("synthesis from gathered material"),
		validResp(),
	)

	resp, err := h.Pipeline.Ask(ctx, studentRequest("s1", "Explain cell division in depth"))
	gt.NoError(t, err)

	gt.V(t, resp.Message).Equal("synthesis from gathered material")
	gt.Number(t, resp.LLMCalls).Equal(5).Describe("two tool iterations, forced synthesis, classification and validation")
}

func TestAsk_GenerationFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Gemini.queue(
		classificationResp(model.QueryTypeKnowledge, "some question"),
		mockResponse{err: goerr.New("model unavailable")},
	)

	resp, err := h.Pipeline.Ask(ctx, studentRequest("s1", "Why is the sky blue?"))
	gt.NoError(t, err)

	gt.True(t, resp.LowConfidence)
	gt.V(t, resp.Message).NotEqual("")
	gt.A(t, resp.Citations).Length(0)
}

func TestAsk_TranslatesToRequestedLanguage(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Searcher.docs = []*model.Document{
		{ID: "doc-a", Text: "Gravity is the attraction between masses.", Score: 0.8},
	}
	h.Gemini.queue(
		classificationResp(model.QueryTypeKnowledge, "what is gravity"),
		textResp("Gravity pulls masses together."),
		validResp(),
		textResp("la gravedad atrae las masas"),
	)

	req := studentRequest("s1", "What is gravity?")
	req.Language = "es"
	resp, err := h.Pipeline.Ask(ctx, req)
	gt.NoError(t, err)

	gt.V(t, resp.Language).Equal("es")
	gt.V(t, resp.Message).Equal("la gravedad atrae las masas")
	gt.Number(t, resp.LLMCalls).Equal(4).Describe("classification, answer, validation and translation")
}

func TestAsk_PersistsExchange(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Gemini.queue(textResp("Hello!"))

	_, err := h.Pipeline.Ask(ctx, studentRequest("s1", "hi"))
	gt.NoError(t, err)
	h.Pipeline.Drain()

	session := h.Repo.session("s1")
	gt.NotNil(t, session)
	gt.Number(t, session.MessageCount).Equal(2)
	gt.V(t, session.UserID).Equal(model.UserID("user-1"))

	turns, err := h.Repo.RecentTurns(ctx, "s1", 10)
	gt.NoError(t, err)
	gt.A(t, turns).Length(2)
	gt.V(t, turns[0].Role).Equal(model.RoleUser)
	gt.V(t, turns[0].Text).Equal("hi")
	gt.V(t, turns[1].Role).Equal(model.RoleAssistant)
}

func TestAsk_PersistenceFailureNotSurfaced(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)
	h.Repo.appendErr = goerr.New("firestore unavailable")
	h.Gemini.queue(textResp("Hello!"))

	resp, err := h.Pipeline.Ask(ctx, studentRequest("s1", "hi"))
	gt.NoError(t, err)
	gt.V(t, resp.Message).Equal("Hello!")
	h.Pipeline.Drain()

	// the exchange still reached the hot buffer
	h.Gemini.queue(textResp("Hello again!"))
	resp, err = h.Pipeline.Ask(ctx, studentRequest("s1", "hello"))
	gt.NoError(t, err)
	gt.V(t, resp.Message).Equal("Hello again!")
	h.Pipeline.Drain()
}

func TestAsk_SummaryRegeneratedAtInterval(t *testing.T) {
	ctx := context.Background()
	cfg := model.DefaultConfig()
	cfg.SummaryInterval = 2
	h := setupPipeline(t, &cfg)
	h.Gemini.queue(
		textResp("Hello!"),
		textResp("The student greeted the tutor and no topic was discussed yet."),
	)

	_, err := h.Pipeline.Ask(ctx, studentRequest("s1", "hi"))
	gt.NoError(t, err)
	h.Pipeline.Drain()

	session := h.Repo.session("s1")
	gt.NotNil(t, session)
	gt.False(t, session.Summarizing)
	gt.V(t, session.Summary).Equal("The student greeted the tutor and no topic was discussed yet.")
}

func TestAsk_RejectsInvalidRequest(t *testing.T) {
	ctx := context.Background()
	h := setupPipeline(t, nil)

	_, err := h.Pipeline.Ask(ctx, &model.ChatRequest{SessionID: "s1"})
	gt.Error(t, err)
	_, err = h.Pipeline.Ask(ctx, &model.ChatRequest{Query: "hello"})
	gt.Error(t, err)
	_, err = h.Pipeline.Ask(ctx, nil)
	gt.Error(t, err)
}
