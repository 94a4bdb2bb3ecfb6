/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/distribution/reference"
)

// DefaultNamespace is the namespace under which validation jobs run.
const DefaultNamespace = "image-validation"

// RunIDLabel is the label key stamping every job created during a run.
const RunIDLabel = "image-compat.nvidia.com/run-id"

// NamespaceLabels are the pod-security labels required on the validation
// namespace. Validation workloads need privileged access to probe node
// features, so the namespace must be admitted at the privileged level
// before the first job is created.
var NamespaceLabels = map[string]string{
	"pod-security.kubernetes.io/enforce":         "privileged",
	"pod-security.kubernetes.io/enforce-version": "latest",
}

// ErrMissingImage is returned when no image reference was supplied.
var ErrMissingImage = errors.New("image reference is required")

// FailurePolicy decides what happens to the run when a single node's
// validation job fails fatally.
type FailurePolicy string

const (
	// FailurePolicyAbort aborts the whole run on the first fatal node
	// failure. No score is computed.
	FailurePolicyAbort FailurePolicy = "abort"

	// FailurePolicyCount counts a fatally failed node as incompatible and
	// continues scoring the remaining nodes.
	FailurePolicyCount FailurePolicy = "count"
)

// IsValid reports whether the policy is one of the supported values.
func (p FailurePolicy) IsValid() bool {
	return p == FailurePolicyAbort || p == FailurePolicyCount
}

// Config holds the validation run parameters.
type Config struct {
	// Image is the container image reference under validation.
	Image string

	// PlainHTTP selects plain HTTP instead of HTTPS when the validation
	// workload (and the registry pre-flight) talks to the image registry.
	PlainHTTP bool

	// Nodes are the target node names. Empty means discover all worker
	// nodes from the cluster.
	Nodes []string

	// Namespace is the namespace for validation jobs.
	Namespace string

	// TemplatePath points at the base job template. Empty selects the
	// default path next to the binary.
	TemplatePath string

	// SkipPreflight disables the registry manifest pre-flight check.
	SkipPreflight bool

	// OnNodeFailure selects the failure policy for fatal node failures.
	OnNodeFailure FailurePolicy
}

// FromEnv builds a Config from the process environment.
//
// Recognized variables: IMAGE (required), NODES (comma-separated, empty
// entries discarded), PLAIN_HTTP ("1" or "true").
func FromEnv() (*Config, error) {
	cfg := &Config{
		Namespace:     DefaultNamespace,
		OnNodeFailure: FailurePolicyAbort,
	}

	cfg.Image = os.Getenv("IMAGE")
	if cfg.Image == "" {
		return nil, ErrMissingImage
	}

	switch strings.ToLower(os.Getenv("PLAIN_HTTP")) {
	case "1", "true":
		cfg.PlainHTTP = true
	}

	cfg.Nodes = SplitNodes(os.Getenv("NODES"))

	return cfg, nil
}

// SplitNodes splits a comma-separated node list, discarding empty entries.
func SplitNodes(s string) []string {
	var nodes []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Validate checks the config for fail-fast errors before any cluster
// interaction happens.
func (c *Config) Validate() error {
	if c.Image == "" {
		return ErrMissingImage
	}
	if _, err := reference.ParseNormalizedNamed(c.Image); err != nil {
		return fmt.Errorf("invalid image reference %q: %w", c.Image, err)
	}
	if c.Namespace == "" {
		return errors.New("namespace must not be empty")
	}
	if c.OnNodeFailure != "" && !c.OnNodeFailure.IsValid() {
		return fmt.Errorf("unknown node failure policy: %q", c.OnNodeFailure)
	}
	return nil
}
