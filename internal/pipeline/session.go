package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"scoperoute/internal/config"
	"scoperoute/internal/crawler"
	"scoperoute/internal/index"
	"scoperoute/internal/knowledge"
	"scoperoute/internal/resolver"
	"scoperoute/internal/retrieval"
	"scoperoute/internal/storage"
	"scoperoute/internal/taxonomy"
)

// Session wires the configured collaborators around one taxonomy.
type Session struct {
	Table    *taxonomy.Table
	Store    *storage.SQLiteStore
	Embedder knowledge.Embedder
	Composer knowledge.Composer
	Resolver *resolver.Resolver

	cfg *config.Config
	log *zap.Logger
}

// Open builds every collaborator named in cfg. Close releases the store.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{cfg: cfg, log: log}

	table, err := cfg.LoadTaxonomy()
	if err != nil {
		return nil, fmt.Errorf("failed to load taxonomy: %w", err)
	}
	s.Table = table

	if err := s.initStoreStage(); err != nil {
		return nil, err
	}
	if err := s.providerStage(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.resolverStage(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenIdentifier builds a resolver with no retrievers and no composer, for
// callers that only classify questions.
func OpenIdentifier(cfg *config.Config, log *zap.Logger) (*resolver.Resolver, error) {
	table, err := cfg.LoadTaxonomy()
	if err != nil {
		return nil, fmt.Errorf("failed to load taxonomy: %w", err)
	}
	return resolver.New(table, nil, nil, resolverOptions(cfg, log))
}

func (s *Session) Close() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

func (s *Session) initStoreStage() error {
	store, err := storage.NewSQLiteStore(s.cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.Store = store
	s.log.Debug("opened passage store", zap.String("path", s.cfg.Storage.Path))
	return nil
}

func (s *Session) providerStage(ctx context.Context) error {
	ai := s.cfg.AI
	embedder, err := knowledge.NewEmbedder(ctx, knowledge.EmbedderOptions{
		Provider:  ai.Embedding.Provider,
		APIKey:    ai.APIKey,
		Model:     ai.Embedding.Model,
		Dimension: ai.Embedding.Dimension,
		BaseURL:   ai.Embedding.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	s.Embedder = embedder

	// "none" leaves the default clarification in place.
	if strings.EqualFold(strings.TrimSpace(ai.Composer.Provider), "none") {
		s.log.Info("composer disabled")
		return nil
	}
	composer, err := knowledge.NewComposer(ctx, knowledge.ComposerOptions{
		Provider: ai.Composer.Provider,
		APIKey:   ai.APIKey,
		Model:    ai.Composer.Model,
		BaseURL:  ai.Composer.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create composer: %w", err)
	}
	s.Composer = composer
	return nil
}

func (s *Session) resolverStage() error {
	bindings := retrieval.ForTaxonomy(s.Table, s.Embedder, s.Store, retrieval.Config{TopK: s.cfg.Retrieval.TopK})
	r, err := resolver.New(s.Table, bindings, s.Composer, resolverOptions(s.cfg, s.log))
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}
	s.Resolver = r
	return nil
}

// Ingest crawls root and stores its passages for the taxonomy's cubes.
func (s *Session) Ingest(ctx context.Context, root string, replace bool) (index.Result, error) {
	idx := index.NewIndexer(crawler.NewCrawler(s.Table.Cubes()), s.Embedder, s.Store, s.log)
	return idx.IngestCorpus(ctx, root, replace)
}

func resolverOptions(cfg *config.Config, log *zap.Logger) resolver.Options {
	opts := resolver.DefaultOptions()
	opts.Threshold = cfg.Threshold()
	if len(cfg.Resolver.VisualizationKeywords) > 0 {
		opts.VisualizationKeywords = cfg.Resolver.VisualizationKeywords
	}
	opts.Fanout = resolver.Fanout(cfg.Retrieval.Fanout)
	opts.Parallel = cfg.Retrieval.Parallel
	opts.MaxParallel = cfg.Retrieval.MaxParallel
	opts.Logger = log
	return opts
}
