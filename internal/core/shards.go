package core

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/flattener/internal/logging"
)

// Shard is one independent input processed by its own pipeline instance.
type Shard struct {
	Name   string
	Source RecordSource
}

// ShardResult is the outcome of one shard.
type ShardResult struct {
	Name    string
	Summary *Summary
	Err     error
}

// SinkFactory returns the sink for one shard.
type SinkFactory func(shard Shard) (BatchSink, error)

// RunShards runs one pipeline per shard with at most limit running at once
// (limit <= 0 means no limit). Instances share no state beyond what the sink
// factory hands out. The first aborted shard cancels the others, which stop
// cleanly. Results are returned in shard order together with the first error.
func RunShards(ctx context.Context, cfg Config, shards []Shard, sinkFor SinkFactory, limit int, opts ...Option) ([]ShardResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	results := make([]ShardResult, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, shard := range shards {
		g.Go(func() error {
			results[i].Name = shard.Name

			sink, err := sinkFor(shard)
			if err != nil {
				results[i].Err = fmt.Errorf("shard %s: open sink: %w", shard.Name, err)
				return results[i].Err
			}

			p, err := New(cfg, sink, opts...)
			if err != nil {
				results[i].Err = err
				return err
			}
			if p.logger != nil {
				p.logger = p.logger.With("shard", shard.Name)
			}

			sum, err := p.Run(logging.ContextWith(gctx, "shard", shard.Name), shard.Source)
			results[i].Summary = sum
			if err != nil {
				results[i].Err = fmt.Errorf("shard %s: %w", shard.Name, err)
				return results[i].Err
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}
