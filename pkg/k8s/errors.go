/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

package k8s

import (
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

var (
	// ErrStillRunning signals that a job has not reached a terminal state
	// yet. Transient: the retry policy polls the status again.
	ErrStillRunning = errors.New("job is still running")

	// ErrJobFailed signals the job's own terminal failure state. Fatal:
	// never retried, aborts the node's validation.
	ErrJobFailed = errors.New("job failed")

	// ErrPodNotFound signals that the job's pod does not exist yet.
	// Transient: pod creation lags job creation under eventual consistency.
	ErrPodNotFound = errors.New("no pod found for job")
)

// IsBadJobState reports whether a create was rejected because of bad
// existing state: a same-named job already present (409) or a spec the
// control plane refuses (422). Both are resolved by deleting the offending
// job and re-creating from scratch.
func IsBadJobState(err error) bool {
	return apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err) || apierrors.IsInvalid(err)
}
