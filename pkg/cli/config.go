package cli

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/k-hirata/manabu/pkg/adapter"
	"github.com/k-hirata/manabu/pkg/model"
	"github.com/k-hirata/manabu/pkg/policy"
	"github.com/k-hirata/manabu/pkg/repository"
	"github.com/k-hirata/manabu/pkg/service/cache"
	"github.com/k-hirata/manabu/pkg/service/retriever"
	"github.com/k-hirata/manabu/pkg/usecase/chat"
)

// config holds configuration values
type config struct {
	// Repository
	project  string
	database string

	// Adapters
	geminiProject  string
	geminiLocation string
	genModel       string
	embedModel     string
	bucket         string

	// Pipeline
	configPath string
	policyDir  string
	webSearch  bool

	logLevel string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to pipeline config YAML",
			Sources:     cli.EnvVars("MANABU_CONFIG"),
			Destination: &cfg.configPath,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies for retrieval filters",
			Sources:     cli.EnvVars("MANABU_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "GCS bucket for transcript archives (optional)",
			Sources:     cli.EnvVars("MANABU_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("MANABU_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Generative model name",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.genModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Embedding model name",
			Sources:     cli.EnvVars("GEMINI_EMBEDDING_MODEL"),
			Destination: &cfg.embedModel,
		},
		&cli.BoolFlag{
			Name:        "web-search",
			Usage:       "Expose web search to the reasoning loop",
			Sources:     cli.EnvVars("MANABU_WEB_SEARCH"),
			Destination: &cfg.webSearch,
		},
	}
}

func (cfg *config) newRepository(ctx context.Context) (*repository.Firestore, error) {
	if cfg.project == "" {
		return nil, goerr.New("project is required")
	}
	if cfg.database == "" {
		return nil, goerr.New("database is required")
	}

	repo, err := repository.New(ctx, cfg.project, cfg.database)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, nil
}

func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	project := cfg.geminiProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.genModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.genModel))
	}
	if cfg.embedModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embedModel))
	}
	return adapter.NewGemini(ctx, project, cfg.geminiLocation, opts...)
}

// newStorage returns nil when no bucket is configured; transcript archiving
// is optional.
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, nil
	}
	storage, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

func (cfg *config) loadPipelineConfig() (model.Config, error) {
	if cfg.configPath == "" {
		return model.DefaultConfig(), nil
	}
	return model.LoadConfig(cfg.configPath)
}

// buildPipeline assembles the full request path. The returned closer must be
// called after draining the pipeline.
func (cfg *config) buildPipeline(ctx context.Context) (*chat.Pipeline, func(), error) {
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, nil, err
	}

	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}

	storage, err := cfg.newStorage(ctx)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}

	pipelineCfg, err := cfg.loadPipelineConfig()
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}

	filterPolicy, err := policy.New(ctx, cfg.policyDir)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}

	pipeline, err := chat.New(chat.Input{
		Repo:      repo,
		Gemini:    gemini,
		Buffer:    cache.NewMemoryBuffer(pipelineCfg.MaxBufferTurns, pipelineCfg.BufferTTL.Std()),
		Searcher:  retriever.New(repo, gemini, filterPolicy, pipelineCfg),
		Storage:   storage,
		WebSearch: cfg.webSearch,
		Config:    &pipelineCfg,
	})
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}

	closer := func() {
		pipeline.Drain()
		_ = repo.Close()
	}
	return pipeline, closer, nil
}
