/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

// Package k8s is the resource lifecycle client for validation runs: it
// owns namespace setup, job create/wait/delete and pod log retrieval
// against a shared Kubernetes clientset.
package k8s

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/NVIDIA/image-compat/pkg/config"
)

const (
	// workerNodeSelector matches every node not labeled as control plane.
	workerNodeSelector = "!node-role.kubernetes.io/control-plane"

	// deletePollInterval is the interval for confirming job disappearance.
	deletePollInterval = 2 * time.Second

	// deletePollTimeout bounds the wait for a foreground-cascading delete.
	deletePollTimeout = 2 * time.Minute
)

// Resources wraps the cluster control-plane API for the validation engine.
// The underlying clientset is shared read-only across all concurrent node
// tasks; a single rate limiter bounds the aggregate API request rate.
type Resources struct {
	client  kubernetes.Interface
	limiter *rate.Limiter
	labels  map[string]string
}

// Option configures a Resources client.
type Option func(*Resources)

// WithRateLimit overrides the default API request rate limit.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Resources) {
		r.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithNamespaceLabels overrides the labels enforced on the validation
// namespace.
func WithNamespaceLabels(labels map[string]string) Option {
	return func(r *Resources) {
		r.labels = labels
	}
}

// New creates a resource lifecycle client around the given clientset.
func New(client kubernetes.Interface, opts ...Option) *Resources {
	r := &Resources{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		labels:  config.NamespaceLabels,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resources) throttle(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// EnsureNamespace creates the namespace with the required pod-security
// labels, or patches the labels back if an existing namespace drifted.
// Idempotent, safe to call on every run.
func (r *Resources) EnsureNamespace(ctx context.Context, name string) error {
	if err := r.throttle(ctx); err != nil {
		return err
	}

	ns, err := r.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		ns = &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{
				Name:   name,
				Labels: r.labels,
			},
		}
		if _, err := r.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create namespace %s: %w", name, err)
		}
		slog.Info("created namespace with required labels", "namespace", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get namespace %s: %w", name, err)
	}

	if labelsMatch(ns.Labels, r.labels) {
		return nil
	}

	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": r.labels},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal namespace patch: %w", err)
	}
	if _, err := r.client.CoreV1().Namespaces().Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("failed to patch labels on namespace %s: %w", name, err)
	}
	slog.Info("updated labels on existing namespace", "namespace", name)
	return nil
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// CreateJob submits the job to the control plane. Conflict and invalid-spec
// rejections are classifiable with IsBadJobState; any other error is opaque
// and left to the retry layer.
func (r *Resources) CreateJob(ctx context.Context, job *batchv1.Job) error {
	if err := r.throttle(ctx); err != nil {
		return err
	}

	if _, err := r.client.BatchV1().Jobs(job.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.Name, err)
	}
	slog.Info("created job", "job", job.Name, "namespace", job.Namespace, "node", job.Spec.Template.Spec.NodeName)
	return nil
}

// WaitForCompletion reads the job status once. It returns nil on success,
// ErrJobFailed once the job reports its own terminal failure, and
// ErrStillRunning otherwise. The retry policy turns the single read into a
// bounded poll with back-off.
func (r *Resources) WaitForCompletion(ctx context.Context, name, namespace string) error {
	if err := r.throttle(ctx); err != nil {
		return err
	}

	job, err := r.client.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to read status of job %s: %w", name, err)
	}
	switch {
	case job.Status.Succeeded > 0:
		return nil
	case job.Status.Failed > 0:
		return fmt.Errorf("job %s/%s: %w", namespace, name, ErrJobFailed)
	default:
		return fmt.Errorf("job %s/%s: %w", namespace, name, ErrStillRunning)
	}
}

// FetchLogs resolves the single pod owned by the job via the job-name label
// and reads its log stream in full. Returns the node the pod ran on along
// with the raw log text. ErrPodNotFound surfaces while no pod exists yet.
func (r *Resources) FetchLogs(ctx context.Context, jobName, namespace string) (string, string, error) {
	if err := r.throttle(ctx); err != nil {
		return "", "", err
	}

	pods, err := r.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", jobName),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to list pods of job %s: %w", jobName, err)
	}
	if len(pods.Items) == 0 {
		return "", "", fmt.Errorf("job %s/%s: %w", namespace, jobName, ErrPodNotFound)
	}

	pod := pods.Items[0]
	stream, err := r.client.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{}).Stream(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to read logs of pod %s: %w", pod.Name, err)
	}
	defer stream.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, stream); err != nil {
		return "", "", fmt.Errorf("failed to read logs of pod %s: %w", pod.Name, err)
	}

	return pod.Spec.NodeName, buf.String(), nil
}

// DeleteJob issues a foreground-cascading delete and polls until the
// control plane confirms the job is gone, guaranteeing no dangling resource
// before returning.
func (r *Resources) DeleteJob(ctx context.Context, name, namespace string) error {
	if err := r.throttle(ctx); err != nil {
		return err
	}

	policy := metav1.DeletePropagationForeground
	err := r.client.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", name, err)
	}

	err = wait.PollUntilContextTimeout(ctx, deletePollInterval, deletePollTimeout, true,
		func(ctx context.Context) (bool, error) {
			_, err := r.client.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			return false, err
		})
	if err != nil {
		return fmt.Errorf("job %s not confirmed deleted: %w", name, err)
	}
	slog.Info("deleted job", "job", name, "namespace", namespace)
	return nil
}

// CleanupRun removes every job stamped with the given run ID. Best-effort
// sweep used when a run aborts with sibling jobs still in flight.
func (r *Resources) CleanupRun(ctx context.Context, runID, namespace string) error {
	if err := r.throttle(ctx); err != nil {
		return err
	}

	jobs, err := r.client.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", config.RunIDLabel, runID),
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs of run %s: %w", runID, err)
	}

	for _, job := range jobs.Items {
		if err := r.DeleteJob(ctx, job.Name, namespace); err != nil {
			slog.Warn("failed to clean up job", "job", job.Name, "error", err)
		}
	}
	return nil
}

// ListWorkerNodes returns the names of all nodes not labeled as control
// plane. Used when no explicit node list is supplied.
func (r *Resources) ListWorkerNodes(ctx context.Context) ([]string, error) {
	if err := r.throttle(ctx); err != nil {
		return nil, err
	}

	nodes, err := r.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: workerNodeSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list worker nodes: %w", err)
	}

	names := make([]string, 0, len(nodes.Items))
	for _, node := range nodes.Items {
		names = append(names, node.Name)
	}
	return names, nil
}
