package sshmux

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// bulkConcurrency caps how many aliases a bulk call works on at once.
const bulkConcurrency = 16

// BulkResult is the per-alias outcome of a bulk call. A failure on one alias
// never fails the batch.
type BulkResult[T any] struct {
	Target string `json:"target"`
	Status string `json:"status"` // "success" or "error"
	Result T      `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func bulk[T any](ctx context.Context, aliases []string, fn func(ctx context.Context, alias string) (T, error)) []BulkResult[T] {
	results := make([]BulkResult[T], len(aliases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i, alias := range aliases {
		g.Go(func() error {
			res, err := fn(gctx, alias)
			if err != nil {
				results[i] = BulkResult[T]{Target: alias, Status: "error", Error: ErrorMessage(err)}
				return nil
			}
			results[i] = BulkResult[T]{Target: alias, Status: "success", Result: res}
			return nil
		})
	}
	g.Wait()
	return results
}

// RunMany runs command on every alias concurrently. Results are in the
// order of aliases.
func (m *Multiplexer) RunMany(ctx context.Context, aliases []string, command string, timeout time.Duration) []BulkResult[*Result] {
	return bulk(ctx, aliases, func(ctx context.Context, alias string) (*Result, error) {
		return m.Run(ctx, alias, command, timeout)
	})
}

// ReadMany reads p from every alias concurrently.
func (m *Multiplexer) ReadMany(ctx context.Context, aliases []string, p string) []BulkResult[string] {
	return bulk(ctx, aliases, func(ctx context.Context, alias string) (string, error) {
		return m.Read(ctx, alias, p)
	})
}
