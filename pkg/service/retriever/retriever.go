package retriever

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/k-hirata/manabu/pkg/adapter"
	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/policy"
	"github.com/k-hirata/manabu/pkg/repository"
	"github.com/k-hirata/manabu/pkg/service/cache"
	"github.com/k-hirata/manabu/pkg/utils/logging"
)

const (
	embedCacheTTL  = 24 * time.Hour
	resultCacheTTL = time.Hour

	// candidateFactor controls how many dense candidates are fetched before
	// sparse re-ranking. Re-ranking can only demote, so the factor bounds
	// how far a sparse-strong document may climb.
	candidateFactor = 3
)

// Retriever fuses dense embedding similarity with sparse keyword similarity
// over the document index.
type Retriever struct {
	repo   repository.Repository
	gemini adapter.Gemini
	policy *policy.FilterPolicy
	cfg    model.Config

	embedCache  *cache.Cache[[]float32]
	resultCache *cache.Cache[[]*model.Document]
}

func New(repo repository.Repository, gemini adapter.Gemini, filterPolicy *policy.FilterPolicy, cfg model.Config) *Retriever {
	return &Retriever{
		repo:        repo,
		gemini:      gemini,
		policy:      filterPolicy,
		cfg:         cfg,
		embedCache:  cache.New[[]float32](1000),
		resultCache: cache.New[[]*model.Document](1000),
	}
}

// Retrieve returns at most TopK documents ordered by descending fused score,
// ties broken by document ID. Only filters passing the filter policy are
// applied to the search. Upstream failures degrade to an empty result.
func (r *Retriever) Retrieve(ctx context.Context, query string, filters map[string]any) ([]*model.Document, error) {
	logger := logging.From(ctx)

	applied, rejected, err := r.policy.Apply(ctx, filters)
	if err != nil {
		return nil, err
	}
	if len(rejected) > 0 {
		logger.Info("discarded filter fields rejected by policy", "fields", rejected)
	}

	cacheKey := cache.Key("retrieve", query, filterKey(applied))
	if docs, ok := r.resultCache.Get(cacheKey); ok {
		return docs, nil
	}

	dense, err := r.embed(ctx, query)
	if err != nil {
		logger.Warn("query embedding failed, skipping retrieval", "error", err)
		return nil, nil
	}

	candidates, err := r.repo.SearchDocuments(ctx, dense, applied, r.cfg.TopK*candidateFactor)
	if err != nil {
		logger.Warn("vector search failed, skipping retrieval", "error", err)
		return nil, nil
	}

	querySparse := EncodeSparse(query)
	alpha := r.cfg.DenseWeight

	var docs []*model.Document
	for _, doc := range candidates {
		fused := alpha*doc.Score + (1-alpha)*querySparse.Cosine(doc.SparseTerms)
		if fused < r.cfg.ScoreThreshold {
			continue
		}
		doc.Score = fused
		docs = append(docs, doc)
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
	if len(docs) > r.cfg.TopK {
		docs = docs[:r.cfg.TopK]
	}

	if len(docs) > 0 {
		r.resultCache.Set(cacheKey, docs, resultCacheTTL)
	}
	return docs, nil
}

func (r *Retriever) embed(ctx context.Context, text string) (firestore.Vector32, error) {
	key := cache.Key("embed", text)
	if vec, ok := r.embedCache.Get(key); ok {
		return firestore.Vector32(vec), nil
	}

	vec, err := r.gemini.Embedding(ctx, text)
	if err != nil {
		return nil, err
	}

	r.embedCache.Set(key, vec, embedCacheTTL)
	return firestore.Vector32(vec), nil
}

// filterKey renders filters deterministically for cache keys.
func filterKey(filters map[string]any) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, filters[k])
	}
	data, _ := json.Marshal(ordered)
	return string(data)
}
