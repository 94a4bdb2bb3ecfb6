/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

// Package validation exposes the synchronous entry point a test harness
// drives: configure a case, run it to completion, read the score and the
// start/stop timestamps.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"k8s.io/client-go/kubernetes"

	"github.com/NVIDIA/image-compat/pkg/aggregator"
	"github.com/NVIDIA/image-compat/pkg/config"
	"github.com/NVIDIA/image-compat/pkg/jobspec"
	"github.com/NVIDIA/image-compat/pkg/k8s"
	kubeclient "github.com/NVIDIA/image-compat/pkg/k8s/client"
	"github.com/NVIDIA/image-compat/pkg/orchestrator"
	"github.com/NVIDIA/image-compat/pkg/registry"
	"github.com/NVIDIA/image-compat/pkg/report"
	"github.com/NVIDIA/image-compat/pkg/retry"
)

// Case is one image validation run. Zero-value fields are filled with
// production defaults on Run; tests inject fakes instead.
type Case struct {
	Config   *config.Config
	Client   kubernetes.Interface
	Policy   *retry.Policy
	Reporter *report.Reporter

	// RunID identifies the run in logs and job labels. Defaults to a
	// fresh UUID.
	RunID string

	// Result is the pass percentage. Only meaningful when Scored is true;
	// a harness treats an unscored case as failed.
	Result float64
	Scored bool

	// Report is the full aggregation detail behind Result.
	Report *aggregator.Result

	// StartTime and StopTime bracket the run for harness reporting.
	StartTime time.Time
	StopTime  time.Time

	// Hooks overridable in tests.
	preflight func(ctx context.Context, image string, plainHTTP bool) error
	execute   func(ctx context.Context, c *orchestrator.Coordinator, nodes []string) ([]aggregator.Outcome, error)
}

// NewCase builds a case from environment-sourced configuration.
func NewCase() (*Case, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return &Case{Config: cfg}, nil
}

func (c *Case) defaults() error {
	if c.RunID == "" {
		c.RunID = uuid.New().String()
	}
	if c.Client == nil {
		client, _, err := kubeclient.Get()
		if err != nil {
			return err
		}
		c.Client = client
	}
	if c.Policy == nil {
		c.Policy = retry.DefaultPolicy()
	}
	if c.Reporter == nil {
		c.Reporter = report.New()
	}
	if c.preflight == nil {
		c.preflight = func(ctx context.Context, image string, plainHTTP bool) error {
			_, err := registry.Preflight(ctx, image, plainHTTP)
			return err
		}
	}
	if c.execute == nil {
		c.execute = func(ctx context.Context, coord *orchestrator.Coordinator, nodes []string) ([]aggregator.Outcome, error) {
			return coord.Run(ctx, nodes)
		}
	}
	return nil
}

// Run executes the validation synchronously. On success Result holds the
// pass percentage and Scored is true; on any failure the score stays unset
// and the error is returned after being logged.
func (c *Case) Run(ctx context.Context) (err error) {
	c.StartTime = time.Now()
	defer func() {
		c.StopTime = time.Now()
		if err != nil {
			slog.Error("image validation run failed", "run", c.RunID, "error", err)
		}
	}()

	if err = c.Config.Validate(); err != nil {
		return err
	}
	if err = c.defaults(); err != nil {
		return err
	}

	log := slog.With("run", c.RunID, "image", c.Config.Image)
	log.Info("starting image validation run")

	resources := k8s.New(c.Client)
	coord := &orchestrator.Coordinator{
		Resources: resources,
		Renderer:  &jobspec.Renderer{TemplatePath: c.Config.TemplatePath},
		Policy:    c.Policy,
		RunID:     c.RunID,
		Config:    c.Config,
	}

	if err = resources.EnsureNamespace(ctx, c.Config.Namespace); err != nil {
		return err
	}

	nodes, err := coord.ResolveNodes(ctx, c.Config.Nodes)
	if err != nil {
		return err
	}

	if !c.Config.SkipPreflight {
		if err = c.preflight(ctx, c.Config.Image, c.Config.PlainHTTP); err != nil {
			return fmt.Errorf("registry pre-flight failed: %w", err)
		}
	}

	outcomes, err := c.execute(ctx, coord, nodes)
	if err != nil {
		return err
	}

	result, err := aggregator.Aggregate(outcomes)
	if err != nil {
		return err
	}

	c.Result = result.PassPercentage
	c.Scored = true
	c.Report = result
	log.Info("image validation run finished",
		"score", result.PassPercentage,
		"compatibleNodes", result.CompatibleNodes,
		"totalNodes", result.TotalNodes)

	c.Reporter.Print(c.Config.Image, result)
	return nil
}
