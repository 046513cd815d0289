package scenario

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"segid"
)

// RunConcurrent hammers both nodes at once and returns every issued ID.
// Each worker stays pinned to its node's own role, the way production
// traffic lands once both nodes are healthy.
func RunConcurrent(ctx context.Context, s *Scenario, businessType, timeKey string, workersPerNode, batchesPerWorker, batchSize int) ([]int64, error) {
	var mu sync.Mutex
	var issued []int64

	g, ctx := errgroup.WithContext(ctx)
	for _, role := range []segid.Role{segid.RoleEven, segid.RoleOdd} {
		for w := 0; w < workersPerNode; w++ {
			g.Go(func() error {
				for b := 0; b < batchesPerWorker; b++ {
					ids, err := s.Generate(ctx, role, businessType, timeKey, batchSize)
					if err != nil {
						return err
					}
					mu.Lock()
					issued = append(issued, ids...)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return issued, nil
}
