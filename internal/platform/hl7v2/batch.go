package hl7v2

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// sequentialBatchSize is the largest batch parsed without spawning goroutines.
const sequentialBatchSize = 2

// ParseBatch parses independent messages concurrently with at most workers
// goroutines (NumCPU when workers <= 0). Results are in input order. When ctx
// is cancelled no new messages are started and ctx.Err() is returned.
func (p *Parser) ParseBatch(ctx context.Context, messages []string, workers int) ([]*Result, error) {
	results := make([]*Result, len(messages))
	if len(messages) <= sequentialBatchSize {
		for i, m := range messages {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			results[i] = p.Parse(m)
		}
		return results, nil
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, m := range messages {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.Parse(m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
