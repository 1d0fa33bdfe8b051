package chat

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/k-hirata/manabu/pkg/adapter"
	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/repository"
	"github.com/k-hirata/manabu/pkg/service/cache"
	"github.com/k-hirata/manabu/pkg/tool"
	"github.com/k-hirata/manabu/pkg/utils/logging"
	"google.golang.org/genai"
)

const (
	// canonicalLanguage is the language all internal reasoning and stored
	// documents use.
	canonicalLanguage = "en"

	// fallbackMessage is returned when answer generation fails outright.
	fallbackMessage = "I ran into a problem while working on your question. Please try asking again in a moment."
)

// DocumentSearcher is re-declared here so the pipeline can be wired with any
// retrieval backend in tests.
type DocumentSearcher = tool.DocumentSearcher

// Input bundles the pipeline's collaborators.
type Input struct {
	Repo      repository.Repository
	Gemini    adapter.Gemini
	Buffer    cache.TurnBuffer
	Searcher  DocumentSearcher
	Storage   adapter.Storage
	WebSearch bool
	Config    *model.Config
}

// Pipeline runs a chat request through memory load, query analysis, persona
// routing, the reasoning loop, validation, translation and persistence.
type Pipeline struct {
	repo      repository.Repository
	gemini    adapter.Gemini
	buffer    cache.TurnBuffer
	searcher  DocumentSearcher
	storage   adapter.Storage
	webSearch bool
	cfg       *model.Config

	analysisCache  *cache.Cache[*model.QueryClassification]
	translateCache *cache.Cache[string]

	// sessions serializes concurrent requests against the same session.
	// Entries are reference counted and removed once the last holder leaves.
	mu       sync.Mutex
	sessions map[model.SessionID]*sessionLock

	wg sync.WaitGroup
}

func New(input Input) (*Pipeline, error) {
	if input.Repo == nil {
		return nil, goerr.New("repository is required")
	}
	if input.Gemini == nil {
		return nil, goerr.New("gemini adapter is required")
	}
	if input.Searcher == nil {
		return nil, goerr.New("document searcher is required")
	}
	cfg := input.Config
	if cfg == nil {
		c := model.DefaultConfig()
		cfg = &c
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	buffer := input.Buffer
	if buffer == nil {
		buffer = cache.NewMemoryBuffer(cfg.MaxBufferTurns, cfg.BufferTTL.Std())
	}

	return &Pipeline{
		repo:           input.Repo,
		gemini:         input.Gemini,
		buffer:         buffer,
		searcher:       input.Searcher,
		storage:        input.Storage,
		webSearch:      input.WebSearch,
		cfg:            cfg,
		analysisCache:  cache.New[*model.QueryClassification](1000),
		translateCache: cache.New[string](1000),
		sessions:       make(map[model.SessionID]*sessionLock),
	}, nil
}

// Drain blocks until all background persistence work has finished.
func (p *Pipeline) Drain() {
	p.wg.Wait()
}

// Ask answers a single chat request. It returns an error only when no answer
// at all could be produced; degraded paths return a response with the
// low-confidence flag set.
func (p *Pipeline) Ask(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	if err := normalizeRequest(req); err != nil {
		return nil, err
	}

	logger := logging.From(ctx).With("session_id", req.SessionID)
	ctx = logging.With(ctx, logger)

	unlock := p.lockSession(req.SessionID)
	defer unlock()

	state := &AgentState{Request: req}
	view, restart := p.loadContext(ctx, req)
	state.Context = view
	state.Restart = restart

	state.Classification = p.analyzeQuery(ctx, state)
	logger.Info("query analyzed",
		"type", state.Classification.QueryType,
		"confidence", state.Classification.Confidence,
		"language", state.Classification.DetectedLanguage)

	state.Persona = routePersona(state.Classification, req.Role, req.Mode)

	retrieval := tool.NewRetrieval(p.searcher, req.Filters)
	tools := []tool.Tool{retrieval}
	if p.webSearch {
		tools = append(tools, tool.NewWebSearch(p.gemini))
	}
	registry := tool.New(tools...)

	// Knowledge-seeking queries kick off retrieval before the reasoning
	// loop starts, so the first generation already sees observations.
	if state.Classification.IsKnowledgeSeeking() {
		p.prefillRetrieval(ctx, state)
	}

	answer, err := p.runAgentLoop(ctx, state, registry, retrieval, "")
	if err != nil {
		logger.Error("answer generation failed", "error", err)
		answer = fallbackMessage
		state.LowConfidence = true
	}
	state.Answer = answer

	clarified := false
	if state.Persona.Validate && !state.LowConfidence {
		clarified = p.reviewAnswer(ctx, state, registry, retrieval)
	}

	var citations []model.Citation
	if !clarified && state.Classification.IsKnowledgeSeeking() {
		citations = p.buildCitations(retrieval.Documents())
	}

	final := p.translateAnswer(ctx, state, state.Answer)
	p.persistExchange(ctx, state, final)

	return &model.ChatResponse{
		SessionID:     req.SessionID,
		Message:       final,
		QueryType:     state.Classification.QueryType,
		Language:      state.TargetLanguage(),
		Citations:     citations,
		LLMCalls:      state.LLMCalls,
		LowConfidence: state.LowConfidence,
	}, nil
}

// reviewAnswer validates the draft and performs at most one corrected
// regeneration. Returns true when the final answer is a clarification
// question rather than an attempt to answer.
func (p *Pipeline) reviewAnswer(ctx context.Context, state *AgentState, registry *tool.Registry, retrieval *tool.RetrievalTool) bool {
	logger := logging.From(ctx)

	state.Validation = p.validateAnswer(ctx, state, retrieval.Documents())
	if state.Validation.NeedsClarification {
		if q := strings.TrimSpace(state.Validation.ClarificationQuestion); q != "" {
			state.Answer = q
			return true
		}
		return false
	}
	if state.Validation.IsValid {
		return false
	}

	logger.Info("answer failed validation, regenerating once",
		"feedback", state.Validation.Feedback)
	correction := "Your previous draft was rejected by a groundedness review. " +
		"Feedback: " + state.Validation.Feedback + "\n" +
		"Rewrite the answer so every claim is supported by the retrieved material."

	corrected, err := p.runAgentLoop(ctx, state, registry, retrieval, correction)
	if err != nil {
		logger.Warn("corrected generation failed, keeping first draft", "error", err)
		state.LowConfidence = true
		return false
	}
	state.Answer = corrected
	state.Corrected = true

	state.Validation = p.validateAnswer(ctx, state, retrieval.Documents())
	if state.Validation.NeedsClarification {
		if q := strings.TrimSpace(state.Validation.ClarificationQuestion); q != "" {
			state.Answer = q
			return true
		}
	}
	if !state.Validation.IsValid {
		// Two strikes. Ship the best attempt, flagged.
		state.LowConfidence = true
	}
	return false
}

// prefillRetrieval runs retrieval with the canonical query and the caller's
// filters before the loop starts. Failures leave Prefilled empty and the
// loop retrieves on its own.
func (p *Pipeline) prefillRetrieval(ctx context.Context, state *AgentState) {
	docs, err := p.searcher.Retrieve(ctx, state.Classification.CanonicalQuery, state.Request.Filters)
	if err != nil {
		logging.From(ctx).Warn("eager retrieval failed", "error", err)
		return
	}
	state.Prefilled = docs
}

// buildCitations keeps retrieval-backed documents at or above the citation
// threshold, ordered by descending score with document ID breaking ties.
func (p *Pipeline) buildCitations(docs []*model.Document) []model.Citation {
	var citations []model.Citation
	for _, doc := range docs {
		if doc.Score < p.cfg.CitationThreshold {
			continue
		}
		citations = append(citations, model.CitationFrom(doc))
	}
	sort.Slice(citations, func(i, j int) bool {
		if citations[i].Score != citations[j].Score {
			return citations[i].Score > citations[j].Score
		}
		return citations[i].ID < citations[j].ID
	})
	return citations
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (p *Pipeline) lockSession(id model.SessionID) func() {
	p.mu.Lock()
	l, ok := p.sessions[id]
	if !ok {
		l = &sessionLock{}
		p.sessions[id] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.sessions, id)
		}
		p.mu.Unlock()
	}
}

func normalizeRequest(req *model.ChatRequest) error {
	if req == nil {
		return goerr.New("request is required")
	}
	if req.SessionID == "" {
		return goerr.New("session_id is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return goerr.New("query is required", goerr.V("session_id", req.SessionID))
	}
	if req.Role == "" {
		req.Role = model.UserRoleStudent
	}
	if req.Mode == "" {
		req.Mode = model.ModeStandard
	}
	return nil
}

// textOf concatenates the text parts of the first candidate.
func textOf(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			b.WriteString(part.Text)
		}
		break
	}
	return strings.TrimSpace(b.String())
}
