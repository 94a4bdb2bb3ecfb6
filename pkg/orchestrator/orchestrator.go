/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

// Package orchestrator drives validation jobs: one orchestrator instance
// runs the full render → create → poll → fetch-logs lifecycle for a single
// node, and the coordinator fans that out across all target nodes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NVIDIA/image-compat/pkg/aggregator"
	"github.com/NVIDIA/image-compat/pkg/jobspec"
	"github.com/NVIDIA/image-compat/pkg/k8s"
	"github.com/NVIDIA/image-compat/pkg/retry"
)

// Orchestrator owns one node's job lifecycle. It is scoped to a single run
// and never reused across runs.
type Orchestrator struct {
	Resources *k8s.Resources
	Renderer  *jobspec.Renderer
	Policy    *retry.Policy

	RunID     string
	Image     string
	PlainHTTP bool
	Namespace string
}

// RunNode validates the image on one node and returns the node's raw job
// logs. seq keeps job names unique within the run. Transient failures are
// absorbed by the retry policy; a job that fails on its own terms surfaces
// as k8s.ErrJobFailed and is never retried.
func (o *Orchestrator) RunNode(ctx context.Context, node string, seq int) (aggregator.Outcome, error) {
	jobName := jobspec.JobName(o.Image, seq)
	log := slog.With("run", o.RunID, "node", node, "job", jobName)

	start := time.Now()
	var outcome aggregator.Outcome
	err := o.Policy.Do(ctx, "validate "+node, func(ctx context.Context) error {
		return o.runOnce(ctx, log, &outcome, jobName, node)
	})
	if err != nil {
		nodeValidationDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return aggregator.Outcome{}, fmt.Errorf("validation of node %s: %w", node, err)
	}

	nodeValidationDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	log.Info("node validation finished", "duration", time.Since(start))
	return outcome, nil
}

// runOnce is a single pass through the per-node state machine. Returning a
// plain error re-enters from the rendering state on the next attempt;
// errors marked permanent abort the node.
func (o *Orchestrator) runOnce(ctx context.Context, log *slog.Logger, outcome *aggregator.Outcome, jobName, node string) error {
	job, err := o.Renderer.Render(jobspec.Params{
		Name:      jobName,
		Namespace: o.Namespace,
		NodeName:  node,
		Image:     o.Image,
		PlainHTTP: o.PlainHTTP,
		RunID:     o.RunID,
	})
	if err != nil {
		// A broken template never heals through retries.
		return retry.MarkPermanent(err)
	}

	if err := o.Resources.CreateJob(ctx, job); err != nil {
		if !k8s.IsBadJobState(err) {
			return err
		}
		// Bad existing state: remove the offending job, confirm it is
		// gone, then signal a retry that re-creates from scratch.
		log.Warn("job rejected by control plane, removing and retrying", "error", err)
		if derr := o.Resources.DeleteJob(ctx, jobName, o.Namespace); derr != nil {
			return derr
		}
		jobRecreations.Inc()
		return fmt.Errorf("conflicting job %s removed: %w", jobName, err)
	}

	if err := o.awaitCompletion(ctx, jobName); err != nil {
		return err
	}

	podNode, logs, err := o.fetchLogs(ctx, jobName)
	if err != nil {
		return err
	}
	if podNode == "" {
		podNode = node
	}

	*outcome = aggregator.Outcome{Node: podNode, Logs: logs}
	return nil
}

// awaitCompletion polls the job status under the retry policy until it
// reaches a terminal state or the attempt budget runs out.
func (o *Orchestrator) awaitCompletion(ctx context.Context, jobName string) error {
	err := o.Policy.Do(ctx, "wait for "+jobName, func(ctx context.Context) error {
		err := o.Resources.WaitForCompletion(ctx, jobName, o.Namespace)
		if errors.Is(err, k8s.ErrJobFailed) {
			return retry.MarkPermanent(err)
		}
		return err
	})
	if errors.Is(err, k8s.ErrJobFailed) {
		// Keep the fatal classification through the outer policy layer.
		return retry.MarkPermanent(err)
	}
	return err
}

// fetchLogs retrieves the job's pod logs, retrying while the pod has not
// appeared yet under eventual consistency.
func (o *Orchestrator) fetchLogs(ctx context.Context, jobName string) (string, string, error) {
	var node, logs string
	err := o.Policy.Do(ctx, "fetch logs of "+jobName, func(ctx context.Context) error {
		var err error
		node, logs, err = o.Resources.FetchLogs(ctx, jobName, o.Namespace)
		return err
	})
	return node, logs, err
}
