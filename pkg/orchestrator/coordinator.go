/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agnivade/levenshtein"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/image-compat/pkg/aggregator"
	"github.com/NVIDIA/image-compat/pkg/config"
	"github.com/NVIDIA/image-compat/pkg/jobspec"
	"github.com/NVIDIA/image-compat/pkg/k8s"
	"github.com/NVIDIA/image-compat/pkg/retry"
)

// cleanupTimeout bounds the best-effort sweep of leftover jobs after an
// aborted run.
const cleanupTimeout = 3 * time.Minute

// Coordinator fans the per-node orchestration out across all target nodes
// and gathers the outcomes.
type Coordinator struct {
	Resources *k8s.Resources
	Renderer  *jobspec.Renderer
	Policy    *retry.Policy

	RunID  string
	Config *config.Config
}

// ResolveNodes returns the final target node list. An empty request falls
// back to discovering all worker nodes; explicit names are checked against
// the cluster, with a closest-match hint on typos.
func (c *Coordinator) ResolveNodes(ctx context.Context, requested []string) ([]string, error) {
	workers, err := c.Resources.ListWorkerNodes(ctx)
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		if len(workers) == 0 {
			return nil, fmt.Errorf("cluster has no worker nodes to validate against")
		}
		slog.Info("no nodes requested, using all worker nodes", "run", c.RunID, "count", len(workers))
		return workers, nil
	}

	known := make(map[string]bool, len(workers))
	for _, w := range workers {
		known[w] = true
	}
	for _, node := range requested {
		if known[node] {
			continue
		}
		if hint := closestNode(node, workers); hint != "" {
			return nil, fmt.Errorf("unknown node %q, did you mean %q?", node, hint)
		}
		return nil, fmt.Errorf("unknown node %q", node)
	}
	return requested, nil
}

// closestNode returns the known worker node nearest to name, or "" when
// nothing is plausibly close.
func closestNode(name string, workers []string) string {
	best := ""
	bestDist := len(name)/2 + 1 // beyond this a hint is just noise
	for _, w := range workers {
		if d := levenshtein.ComputeDistance(name, w); d < bestDist {
			best, bestDist = w, d
		}
	}
	return best
}

// Run launches one orchestrator per node concurrently and waits for all of
// them. Under the abort policy the first fatal node failure cancels the
// remaining tasks and sweeps the run's jobs; under the count policy failed
// nodes come back as incompatible outcomes instead.
func (c *Coordinator) Run(ctx context.Context, nodes []string) ([]aggregator.Outcome, error) {
	start := time.Now()
	defer func() {
		runDuration.Observe(time.Since(start).Seconds())
	}()

	outcomes := make([]aggregator.Outcome, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		g.Go(func() error {
			orch := &Orchestrator{
				Resources: c.Resources,
				Renderer:  c.Renderer,
				Policy:    c.Policy,
				RunID:     c.RunID,
				Image:     c.Config.Image,
				PlainHTTP: c.Config.PlainHTTP,
				Namespace: c.Config.Namespace,
			}
			outcome, err := orch.RunNode(gctx, node, i+1)
			if err != nil {
				if c.Config.OnNodeFailure == config.FailurePolicyCount {
					slog.Warn("node failed validation job, counting as incompatible",
						"run", c.RunID, "node", node, "error", err)
					outcomes[i] = aggregator.Outcome{Node: node, Failed: true}
					return nil
				}
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.cleanup()
		return nil, err
	}
	return outcomes, nil
}

// cleanup removes jobs the aborted run left behind, so siblings that were
// cancelled mid-flight do not leak cluster resources. Runs on a fresh
// context: the group context is already dead.
func (c *Coordinator) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := c.Resources.CleanupRun(ctx, c.RunID, c.Config.Namespace); err != nil {
		slog.Warn("failed to sweep leftover jobs", "run", c.RunID, "error", err)
	}
}
