package knowledge

import (
	"context"
	"fmt"
	"time"
)

type batchFunc func(ctx context.Context, batch []string) ([][]float32, error)

// embedInBatches feeds texts to fn in slices of at most size, pausing between
// calls to stay under provider rate limits. Output order follows input order.
func embedInBatches(ctx context.Context, texts []string, size int, pause time.Duration, fn batchFunc) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if size <= 0 {
		size = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += size {
		if i > 0 && !waitOrCancel(ctx, pause) {
			return nil, ctx.Err()
		}
		end := min(i+size, len(texts))
		batch := texts[i:end]

		vecs, err := fn(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), len(batch))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func waitOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
