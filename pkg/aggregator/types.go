/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

package aggregator

import "encoding/json"

// CompatibilityStatus is one compatibility record emitted by the validation
// workload for a node. The wire format follows the node-feature-discovery
// image compatibility report.
type CompatibilityStatus struct {
	Name        string                `json:"name,omitempty"`
	Description string                `json:"description,omitempty"`
	Rules       []ProcessedRuleStatus `json:"rules"`
}

// ProcessedRuleStatus is the evaluated outcome of a single feature rule.
// Exactly one of MatchedExpressions or MatchedAny is populated.
type ProcessedRuleStatus struct {
	Name               string              `json:"name"`
	IsMatch            bool                `json:"isMatch"`
	MatchedExpressions []MatchedExpression `json:"matchedExpressions,omitempty"`
	MatchedAny         []MatchedAnyGroup   `json:"matchedAny,omitempty"`
}

// MatchedAnyGroup is a nested expression group of which at least one must
// match for the parent rule to match.
type MatchedAnyGroup struct {
	MatchedExpressions []MatchedExpression `json:"matchedExpressions"`
}

// MatchedExpression is a single evaluated feature expression. Expression is
// kept raw: the operator/value structure only matters for display.
type MatchedExpression struct {
	Feature     string          `json:"feature"`
	Name        string          `json:"name"`
	Expression  json.RawMessage `json:"expression,omitempty"`
	MatcherType string          `json:"matcherType,omitempty"`
	IsMatch     bool            `json:"isMatch"`
}

// Outcome pairs a node with the raw log text of its finished validation
// job. Failed marks a node whose job failed fatally before producing a
// payload; it only occurs under the count-incompatible failure policy.
type Outcome struct {
	Node   string
	Logs   string
	Failed bool
}

// Result is the aggregated verdict for a run.
type Result struct {
	// PassPercentage is 100 × compatible nodes / total nodes.
	PassPercentage float64

	// CompatibleNodes counts the nodes where every rule matched.
	CompatibleNodes int

	// TotalNodes counts all validated nodes.
	TotalNodes int

	// FailedNodes lists the incompatible nodes in outcome order.
	FailedNodes []string

	// Failures maps each incompatible node to its non-matching rules,
	// preserving payload order.
	Failures map[string][]ProcessedRuleStatus
}
