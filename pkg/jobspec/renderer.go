/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

// Package jobspec renders validation job descriptors from a base YAML
// template.
package jobspec

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/utils/ptr"

	"github.com/NVIDIA/image-compat/pkg/config"
)

// DefaultTemplatePath is the base job template shipped with the engine.
const DefaultTemplatePath = "artifacts/image-validation-job.template"

// ValidationContainerName
// names the container that runs the compatibility check inside each job.
const ValidationContainerName = "image-compatibility"

// ErrTemplateNotFound is returned when the base job template is missing.
var ErrTemplateNotFound = errors.New("job template not found")

// Params are the per-node substitutions applied to the base template.
type Params struct {
	Name      string
	Namespace string
	NodeName  string
	Image     string
	PlainHTTP bool
	RunID     string
}

// Renderer turns Params into fully specified job descriptors. The base
// template is loaded and decoded once; every Render works on a deep copy so
// concurrent renders for different nodes never share state.
type Renderer struct {
	// TemplatePath points at the base template. Empty selects
	// DefaultTemplatePath.
	TemplatePath string

	once    sync.Once
	base    *batchv1.Job
	loadErr error
}

func (r *Renderer) load() {
	path := r.TemplatePath
	if path == "" {
		path = DefaultTemplatePath
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		r.loadErr = fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
		return
	}
	if err != nil {
		r.loadErr = fmt.Errorf("failed to read job template %s: %w", path, err)
		return
	}

	var job batchv1.Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		r.loadErr = fmt.Errorf("failed to decode job template %s: %w", path, err)
		return
	}
	if job.Spec.BackoffLimit == nil {
		// Retries are handled by the engine, never by the job controller.
		job.Spec.BackoffLimit = ptr.To[int32](0)
	}
	r.base = &job
}

// Render produces an independent job descriptor for one node.
func (r *Renderer) Render(p Params) (*batchv1.Job, error) {
	r.once.Do(r.load)
	if r.loadErr != nil {
		return nil, r.loadErr
	}

	job := r.base.DeepCopy()
	job.Name = p.Name
	job.Namespace = p.Namespace
	job.Spec.Template.Spec.NodeName = p.NodeName
	if p.RunID != "" {
		if job.Labels == nil {
			job.Labels = map[string]string{}
		}
		job.Labels[config.RunIDLabel] = p.RunID
	}

	for i, container := range job.Spec.Template.Spec.Containers {
		if container.Name != ValidationContainerName {
			continue
		}
		args := []string{"--image", p.Image, "--output-json"}
		if p.PlainHTTP {
			args = append(args, "--plain-http")
		}
		job.Spec.Template.Spec.Containers[i].Args = args
		return job, nil
	}
	return nil, fmt.Errorf("job template has no container named %q", ValidationContainerName)
}

// JobName derives a deterministic, cluster-safe job name from the image
// reference and the node's sequence index. Path-unsafe characters are
// normalized and the index keeps names unique within a run even for
// duplicate images.
func JobName(image string, seq int) string {
	name := strings.ToLower(image)
	name = strings.NewReplacer("/", "-", ":", "-", ".", "-", "@", "-").Replace(name)
	return fmt.Sprintf("%s-%d", name, seq)
}
