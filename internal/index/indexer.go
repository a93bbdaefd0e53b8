package index

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"scoperoute/internal/crawler"
	"scoperoute/internal/knowledge"
	"scoperoute/internal/storage"
)

const saveBatchSize = 256

// Indexer orchestrates corpus ingestion: crawl, embed, store.
type Indexer struct {
	crawler  *crawler.Crawler
	embedder knowledge.Embedder
	store    storage.PassageStore
	log      *zap.Logger
}

// Result describes one ingestion run.
type Result struct {
	crawler.ScanReport
	Stored  int
	Cleared map[string]int64
}

// NewIndexer creates a new indexer. A nil logger discards output.
func NewIndexer(c *crawler.Crawler, em knowledge.Embedder, store storage.PassageStore, log *zap.Logger) *Indexer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Indexer{
		crawler:  c,
		embedder: em,
		store:    store,
		log:      log,
	}
}

// IngestCorpus scans root and stores every passage with its embedding.
// Every passage is embedded before the store is touched, so a provider
// failure leaves the stored corpus as it was. With replace set, each scanned
// cube is swapped in one transaction so deleted sections disappear from
// retrieval.
func (i *Indexer) IngestCorpus(ctx context.Context, root string, replace bool) (Result, error) {
	var passages []knowledge.Passage
	var cubes []string
	seen := make(map[string]bool)

	report, err := i.crawler.ScanCorpus(root, func(p knowledge.Passage) {
		passages = append(passages, p)
		if !seen[p.Cube] {
			seen[p.Cube] = true
			cubes = append(cubes, p.Cube)
		}
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan failed: %w", err)
	}
	for _, skipped := range report.Skipped {
		i.log.Warn("skipping directory that is not a known cube", zap.String("dir", skipped))
	}

	items, err := i.embedAll(ctx, passages)
	if err != nil {
		return Result{ScanReport: report}, err
	}

	res := Result{ScanReport: report, Cleared: make(map[string]int64)}
	if replace {
		byCube := make(map[string][]knowledge.VectorItem, len(cubes))
		for _, item := range items {
			byCube[item.Passage.Cube] = append(byCube[item.Passage.Cube], item)
		}
		for _, cube := range cubes {
			removed, err := i.store.ReplaceCube(ctx, cube, byCube[cube])
			if err != nil {
				return res, fmt.Errorf("failed to replace cube %s: %w", cube, err)
			}
			res.Cleared[cube] = removed
			res.Stored += len(byCube[cube])
			i.log.Debug("replaced cube", zap.String("cube", cube), zap.Int64("removed", removed), zap.Int("stored", len(byCube[cube])))
		}
	} else {
		for start := 0; start < len(items); start += saveBatchSize {
			end := min(start+saveBatchSize, len(items))
			if err := i.store.SavePassages(ctx, items[start:end]); err != nil {
				return res, fmt.Errorf("failed to save passages: %w", err)
			}
			res.Stored = end
			i.log.Debug("stored passages", zap.Int("stored", res.Stored), zap.Int("total", len(items)))
		}
	}

	i.log.Info("ingestion complete",
		zap.Int("files", res.Files),
		zap.Int("passages", res.Stored),
		zap.Strings("cubes", cubes))
	return res, nil
}

func (i *Indexer) embedAll(ctx context.Context, passages []knowledge.Passage) ([]knowledge.VectorItem, error) {
	items := make([]knowledge.VectorItem, 0, len(passages))
	for start := 0; start < len(passages); start += saveBatchSize {
		end := min(start+saveBatchSize, len(passages))
		batch := passages[start:end]

		texts := make([]string, len(batch))
		for j, p := range batch {
			texts[j] = p.ToEmbeddableText()
		}
		vectors, err := i.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(batch))
		}
		for j, p := range batch {
			items = append(items, knowledge.VectorItem{Passage: p, Embedding: vectors[j]})
		}
	}
	return items, nil
}
