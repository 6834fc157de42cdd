package storage

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// GetMany fetches keys with at most concurrency requests in flight. Objects
// are returned in the order of keys; the first failure cancels the rest.
func GetMany(ctx context.Context, store ObjectStore, keys []string, concurrency int) ([][]byte, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	out := make([][]byte, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, key := range keys {
		g.Go(func() error {
			data, err := store.Get(ctx, key)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
