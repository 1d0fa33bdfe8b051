package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/k-hirata/manabu/pkg/model"
	"google.golang.org/genai"
)

// RetrievalToolName is the function name exposed to the model.
const RetrievalToolName = "retrieve_documents"

// DocumentSearcher is the retrieval collaborator consumed by RetrievalTool.
type DocumentSearcher interface {
	Retrieve(ctx context.Context, query string, filters map[string]any) ([]*model.Document, error)
}

// RetrievalTool exposes hybrid lecture-material search to the reasoning
// loop. It is constructed per request: the caller-supplied filters are fixed
// at construction and the model cannot widen or narrow them, and every
// retrieved document is accumulated so the pipeline can build citations from
// retrieval-backed evidence only.
type RetrievalTool struct {
	searcher DocumentSearcher
	filters  map[string]any

	seen map[model.DocumentID]bool
	docs []*model.Document
}

func NewRetrieval(searcher DocumentSearcher, filters map[string]any) *RetrievalTool {
	return &RetrievalTool{
		searcher: searcher,
		filters:  filters,
		seen:     make(map[model.DocumentID]bool),
	}
}

// Documents returns all documents retrieved through this tool, in first-seen
// order without duplicates.
func (t *RetrievalTool) Documents() []*model.Document {
	return t.docs
}

// Record adds documents retrieved outside the loop (prefilled observations)
// to the citation pool.
func (t *RetrievalTool) Record(docs []*model.Document) {
	for _, doc := range docs {
		if t.seen[doc.ID] {
			continue
		}
		t.seen[doc.ID] = true
		t.docs = append(t.docs, doc)
	}
}

func (t *RetrievalTool) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        RetrievalToolName,
				Description: "Search the ingested lecture material for passages relevant to a question. Returns scored source passages.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"query": {
							Type:        genai.TypeString,
							Description: "Standalone English search query",
						},
					},
					Required: []string{"query"},
				},
			},
		},
	}
}

func (t *RetrievalTool) Prompt(ctx context.Context) string {
	return "Use retrieve_documents to ground answers in the lecture material. Prefer cited material over general knowledge."
}

func (t *RetrievalTool) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	query, ok := fc.Args["query"].(string)
	if !ok || query == "" {
		return nil, goerr.New("retrieve_documents requires a query argument")
	}

	docs, err := t.searcher.Retrieve(ctx, query, t.filters)
	if err != nil {
		return nil, goerr.Wrap(err, "retrieval failed")
	}
	t.Record(docs)

	return &genai.FunctionResponse{
		Name:     fc.Name,
		Response: map[string]any{"result": FormatDocuments(docs)},
	}, nil
}

// FormatDocuments renders documents as a numbered observation block.
func FormatDocuments(docs []*model.Document) string {
	if len(docs) == 0 {
		return "NO_DOCS_FOUND: no relevant material in the index for this query."
	}

	var b strings.Builder
	for i, doc := range docs {
		fmt.Fprintf(&b, "Source %d [Score: %.2f]\n%s\n\n", i+1, doc.Score, doc.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
