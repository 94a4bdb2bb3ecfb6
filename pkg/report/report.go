/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

// Package report renders failed-rule diagnostics for human consumption.
// Pure presentation: nothing here influences the computed score.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/NVIDIA/image-compat/pkg/aggregator"
)

// Reporter writes failure detail tables to Out.
type Reporter struct {
	Out   io.Writer
	Color bool
}

// New returns a colorized stdout reporter.
func New() *Reporter {
	return &Reporter{Out: os.Stdout, Color: true}
}

// Print writes, for every incompatible node, the image/node pairing and a
// table of non-matching expressions per failed rule, recursing into
// matched-any groups. Compatible runs produce no output.
func (r *Reporter) Print(image string, result *aggregator.Result) {
	for _, node := range result.FailedNodes {
		fmt.Fprintf(r.Out, "\n%s\n\n",
			r.red(fmt.Sprintf("Image: %s is incompatible with node: %s", image, node)))

		rules := result.Failures[node]
		if len(rules) == 0 {
			fmt.Fprintln(r.Out, "The validation job failed before producing a report.")
			continue
		}
		for _, rule := range rules {
			fmt.Fprintf(r.Out, "Rule: %s\n", rule.Name)
			r.printRule(rule)
			fmt.Fprintln(r.Out)
		}
	}
}

func (r *Reporter) printRule(rule aggregator.ProcessedRuleStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(r.Out)
	t.AppendHeader(table.Row{"Feature", "Expression"})

	if len(rule.MatchedExpressions) > 0 {
		r.appendExpressions(t, rule.MatchedExpressions)
	}
	for _, group := range rule.MatchedAny {
		r.appendExpressions(t, group.MatchedExpressions)
	}
	t.Render()
}

func (r *Reporter) appendExpressions(t table.Writer, expressions []aggregator.MatchedExpression) {
	for _, exp := range expressions {
		if exp.IsMatch {
			// Matching expressions carry no diagnostic value.
			continue
		}
		feature := fmt.Sprintf("%s.%s", exp.Feature, exp.Name)
		t.AppendRow(table.Row{r.red(feature), r.red(string(exp.Expression))})
	}
}

func (r *Reporter) red(s string) string {
	if !r.Color {
		return s
	}
	return text.FgRed.Sprint(s)
}
