/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/image-compat/pkg/aggregator"
	"github.com/NVIDIA/image-compat/pkg/config"
	kubeclient "github.com/NVIDIA/image-compat/pkg/k8s/client"
	"github.com/NVIDIA/image-compat/pkg/report"
	"github.com/NVIDIA/image-compat/pkg/serializer"
	"github.com/NVIDIA/image-compat/pkg/validation"
)

// resultDocument is the machine-readable run summary for --format json/yaml.
type resultDocument struct {
	Image     string                                      `json:"image" yaml:"image"`
	RunID     string                                      `json:"runId" yaml:"runId"`
	Score     float64                                     `json:"score" yaml:"score"`
	Nodes     int                                         `json:"nodes" yaml:"nodes"`
	StartTime time.Time                                   `json:"startTime" yaml:"startTime"`
	StopTime  time.Time                                   `json:"stopTime" yaml:"stopTime"`
	Failures  map[string][]aggregator.ProcessedRuleStatus `json:"failures,omitempty" yaml:"failures,omitempty"`
}

func validateCmd() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Run the image compatibility validation across target nodes",
		Description: `Runs one validation job per target node, collects each job's
compatibility report and aggregates a pass percentage.

The image's feature requirements are evaluated on every node by the
validation workload; a node passes when all of its rules match. The final
score is 100 × compatible nodes / total nodes, and failed rules are
printed per node.

# Examples

Validate an image on all worker nodes:
  imgcompat validate --image registry.io/app:v1

Validate on specific nodes against a registry without TLS:
  imgcompat validate --image localhost:5000/app:dev --nodes n1,n2 --plain-http

Continue scoring when a node's job fails outright:
  imgcompat validate --image registry.io/app:v1 --on-node-failure count`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Sources: cli.EnvVars("IMAGE"),
				Usage:   "Container image reference to validate (required)",
			},
			&cli.StringFlag{
				Name:    "nodes",
				Sources: cli.EnvVars("NODES"),
				Usage:   "Comma-separated target node names (default: all worker nodes)",
			},
			&cli.BoolFlag{
				Name:    "plain-http",
				Sources: cli.EnvVars("PLAIN_HTTP"),
				Usage:   "Use HTTP instead of HTTPS for the image registry",
			},
			&cli.StringFlag{
				Name:  "namespace",
				Value: config.DefaultNamespace,
				Usage: "Namespace for validation jobs",
			},
			&cli.StringFlag{
				Name:  "template",
				Usage: "Path to the base job template (default: " + "artifacts/image-validation-job.template)",
			},
			&cli.StringFlag{
				Name:  "kubeconfig",
				Usage: "Path to kubeconfig file (default: KUBECONFIG, ~/.kube/config, in-cluster)",
			},
			&cli.StringFlag{
				Name:  "on-node-failure",
				Value: string(config.FailurePolicyAbort),
				Usage: "Policy for fatal node job failures: abort or count",
			},
			&cli.BoolFlag{
				Name:  "skip-preflight",
				Usage: "Skip the registry manifest pre-flight check",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "Disable colored failure tables",
			},
			&cli.StringFlag{
				Name:  "format",
				Value: string(serializer.FormatTable),
				Usage: "Output format (table, json, yaml)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			outFormat := serializer.Format(cmd.String("format"))
			if outFormat.IsUnknown() {
				return fmt.Errorf("unknown output format: %q", outFormat)
			}

			cfg := &config.Config{
				Image:         cmd.String("image"),
				PlainHTTP:     cmd.Bool("plain-http"),
				Nodes:         config.SplitNodes(cmd.String("nodes")),
				Namespace:     cmd.String("namespace"),
				TemplatePath:  cmd.String("template"),
				SkipPreflight: cmd.Bool("skip-preflight"),
				OnNodeFailure: config.FailurePolicy(cmd.String("on-node-failure")),
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			client, _, err := kubeclient.Build(cmd.String("kubeconfig"))
			if err != nil {
				return err
			}

			c := &validation.Case{Config: cfg, Client: client}
			if cmd.Bool("no-color") {
				c.Reporter = report.New()
				c.Reporter.Color = false
			}
			if outFormat != serializer.FormatTable {
				// Machine-readable output replaces the failure tables.
				c.Reporter = &report.Reporter{Out: io.Discard}
			}
			if err := c.Run(ctx); err != nil {
				return err
			}

			if outFormat != serializer.FormatTable {
				doc := resultDocument{
					Image:     cfg.Image,
					RunID:     c.RunID,
					Score:     c.Result,
					StartTime: c.StartTime,
					StopTime:  c.StopTime,
					Nodes:     c.Report.TotalNodes,
					Failures:  c.Report.Failures,
				}
				if err := serializer.NewStdoutWriter(outFormat).Serialize(doc); err != nil {
					return err
				}
			} else {
				fmt.Printf("Compatibility score: %.1f%% (took %s)\n",
					c.Result, c.StopTime.Sub(c.StartTime).Round(time.Millisecond))
			}
			if c.Result < 100 {
				return cli.Exit("image is not compatible with all target nodes", 1)
			}
			return nil
		},
	}
}
