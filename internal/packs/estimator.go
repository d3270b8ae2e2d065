package packs

import (
	"context"
	"sync"
)

// Estimate is the predicted output of a pack request.
type Estimate struct {
	TotalSizeBytes   int64
	LeafCount        int
	UnknownSizeCount int
}

// Estimator predicts the total output size of a request tree before any
// work begins. Lookups are metadata-only and fanned out concurrently;
// the estimator never touches the admission queue or the cache.
type Estimator struct {
	resolver LeafResolver
	// fallbackSize is charged for any leaf whose size cannot be
	// determined. Undercounting would defeat admission control, so the
	// fallback is conservative and never zero.
	fallbackSize int64
}

// NewEstimator creates an Estimator.
func NewEstimator(resolver LeafResolver, fallbackSize int64) *Estimator {
	return &Estimator{resolver: resolver, fallbackSize: fallbackSize}
}

// Estimate sizes the whole tree. I/O-bound, so every leaf is queried in
// its own goroutine.
func (e *Estimator) Estimate(ctx context.Context, tree Node) Estimate {
	leaves := collectLeaves(tree, nil)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		est Estimate
	)
	est.LeafCount = len(leaves)

	for _, leaf := range leaves {
		wg.Add(1)
		go func(l *Leaf) {
			defer wg.Done()
			size, ok := e.resolver.Size(ctx, l)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				est.TotalSizeBytes += size
			} else {
				est.TotalSizeBytes += e.fallbackSize
				est.UnknownSizeCount++
			}
		}(leaf)
	}
	wg.Wait()

	return est
}

func collectLeaves(n Node, acc []*Leaf) []*Leaf {
	switch node := n.(type) {
	case *Folder:
		for _, child := range node.Children {
			acc = collectLeaves(child, acc)
		}
	case *Leaf:
		acc = append(acc, node)
	}
	return acc
}
