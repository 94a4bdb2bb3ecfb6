/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

// Package aggregator turns raw per-node job logs into a single
// compatibility score with per-node failure detail.
//
// The validation workload writes its JSON report to the same stream as its
// log output, so the payload has to be isolated from surrounding noise
// before parsing. Parsing is two-stage: strict JSON first, then one
// tolerant pass for python-literal-style output (single quotes, True/False)
// which YAML happens to accept.
package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrPayloadNotFound is returned when no bracketed JSON span exists in
	// the log text.
	ErrPayloadNotFound = errors.New("no compatibility payload found in logs")

	// ErrMalformedPayload is returned when the isolated payload survives
	// neither the strict nor the permissive parse.
	ErrMalformedPayload = errors.New("malformed compatibility payload")

	// ErrNoOutcomes is returned when aggregation is attempted over zero
	// nodes, guarding the score division.
	ErrNoOutcomes = errors.New("no job outcomes to aggregate")
)

// ExtractPayload isolates the compatibility report from raw log text by
// locating the first "[{" and the last "}]". Idempotent: extracting an
// already extracted payload returns it unchanged.
func ExtractPayload(raw string) (string, error) {
	start := strings.Index(raw, "[{")
	end := strings.LastIndex(raw, "}]")
	if start == -1 || end == -1 || start > end {
		return "", ErrPayloadNotFound
	}
	return raw[start : end+2], nil
}

// ParseRecords parses the isolated payload into compatibility records.
// On strict-parse failure it makes one permissive pass: decode as YAML
// (which tolerates single-quoted strings and True/False scalars),
// re-serialize to JSON, and parse strictly again.
func ParseRecords(payload string) ([]CompatibilityStatus, error) {
	var records []CompatibilityStatus
	strictErr := json.Unmarshal([]byte(payload), &records)
	if strictErr == nil {
		return records, nil
	}

	var loose any
	if err := yaml.Unmarshal([]byte(payload), &loose); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, strictErr)
	}
	normalized, err := json.Marshal(loose)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(normalized, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	slog.Debug("payload recovered by permissive parse", "strictError", strictErr)
	return records, nil
}

// Aggregate computes the run verdict from all node outcomes. A node is
// compatible iff every rule in every record of its payload matched.
func Aggregate(outcomes []Outcome) (*Result, error) {
	if len(outcomes) == 0 {
		return nil, ErrNoOutcomes
	}

	result := &Result{
		TotalNodes: len(outcomes),
		Failures:   map[string][]ProcessedRuleStatus{},
	}

	for _, outcome := range outcomes {
		if outcome.Failed {
			result.FailedNodes = append(result.FailedNodes, outcome.Node)
			result.Failures[outcome.Node] = nil
			continue
		}

		failed, err := failedRules(outcome.Logs)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", outcome.Node, err)
		}
		if len(failed) == 0 {
			result.CompatibleNodes++
			continue
		}
		result.FailedNodes = append(result.FailedNodes, outcome.Node)
		result.Failures[outcome.Node] = failed
	}

	result.PassPercentage = float64(result.CompatibleNodes) * 100 / float64(result.TotalNodes)
	return result, nil
}

func failedRules(logs string) ([]ProcessedRuleStatus, error) {
	payload, err := ExtractPayload(logs)
	if err != nil {
		return nil, err
	}
	records, err := ParseRecords(payload)
	if err != nil {
		return nil, err
	}

	var failed []ProcessedRuleStatus
	for _, record := range records {
		for _, rule := range record.Rules {
			if !rule.IsMatch {
				failed = append(failed, rule)
			}
		}
	}
	return failed, nil
}
