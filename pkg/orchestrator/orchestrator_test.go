package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/NVIDIA/image-compat/pkg/config"
	"github.com/NVIDIA/image-compat/pkg/jobspec"
	"github.com/NVIDIA/image-compat/pkg/k8s"
	"github.com/NVIDIA/image-compat/pkg/retry"
)

const testImage = "registry.io/app:v1"

func testRenderer(t *testing.T) *jobspec.Renderer {
	t.Helper()
	tmpl := `apiVersion: batch/v1
kind: Job
metadata:
  name: placeholder
spec:
  template:
    spec:
      restartPolicy: Never
      containers:
        - name: image-compatibility
          image: validator:latest
`
	path := filepath.Join(t.TempDir(), "job.template")
	require.NoError(t, os.WriteFile(path, []byte(tmpl), 0o644))
	return &jobspec.Renderer{TemplatePath: path}
}

func fastPolicy() *retry.Policy {
	return &retry.Policy{Attempts: 5, Delay: time.Millisecond}
}

// completeJobsOnCreate marks every created job as terminal before it is
// stored, so status polls see a finished job right away.
func completeJobsOnCreate(fakeClient *fake.Clientset, succeed bool) {
	fakeClient.PrependReactor("create", "jobs", func(action k8stesting.Action) (bool, runtime.Object, error) {
		job := action.(k8stesting.CreateAction).GetObject().(*batchv1.Job)
		if succeed {
			job.Status.Succeeded = 1
		} else {
			job.Status.Failed = 1
		}
		return false, nil, nil
	})
}

func jobPod(jobName, node string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName + "-pod",
			Namespace: config.DefaultNamespace,
			Labels:    map[string]string{"job-name": jobName},
		},
		Spec: corev1.PodSpec{NodeName: node},
	}
}

func newOrchestrator(fakeClient *fake.Clientset, r *jobspec.Renderer) *Orchestrator {
	return &Orchestrator{
		Resources: k8s.New(fakeClient),
		Renderer:  r,
		Policy:    fastPolicy(),
		RunID:     "run-1",
		Image:     testImage,
		Namespace: config.DefaultNamespace,
	}
}

func TestRunNode_Success(t *testing.T) {
	jobName := jobspec.JobName(testImage, 1)
	fakeClient := fake.NewClientset(jobPod(jobName, "n1"))
	completeJobsOnCreate(fakeClient, true)

	o := newOrchestrator(fakeClient, testRenderer(t))
	outcome, err := o.RunNode(context.Background(), "n1", 1)
	require.NoError(t, err)
	assert.Equal(t, "n1", outcome.Node)
	assert.NotEmpty(t, outcome.Logs)
	assert.False(t, outcome.Failed)

	created, err := fakeClient.BatchV1().Jobs(config.DefaultNamespace).Get(context.Background(), jobName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "run-1", created.Labels[config.RunIDLabel])
	assert.Equal(t, "n1", created.Spec.Template.Spec.NodeName)
	assert.Equal(t,
		[]string{"--image", testImage, "--output-json"},
		created.Spec.Template.Spec.Containers[0].Args)
}

func TestRunNode_ConflictDeletesAndRecreates(t *testing.T) {
	jobName := jobspec.JobName(testImage, 1)
	stale := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: config.DefaultNamespace,
			Labels:    map[string]string{"stale": "true"},
		},
	}
	fakeClient := fake.NewClientset(stale, jobPod(jobName, "n1"))
	completeJobsOnCreate(fakeClient, true)

	o := newOrchestrator(fakeClient, testRenderer(t))
	outcome, err := o.RunNode(context.Background(), "n1", 1)
	require.NoError(t, err)
	assert.Equal(t, "n1", outcome.Node)

	// The stale job was replaced by a fresh descriptor carrying the run ID.
	created, err := fakeClient.BatchV1().Jobs(config.DefaultNamespace).Get(context.Background(), jobName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, created.Labels["stale"])
	assert.Equal(t, "run-1", created.Labels[config.RunIDLabel])
}

func TestRunNode_FatalJobFailureIsNotRetried(t *testing.T) {
	fakeClient := fake.NewClientset()
	completeJobsOnCreate(fakeClient, false)

	creates := 0
	fakeClient.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		creates++
		return false, nil, nil
	})

	o := newOrchestrator(fakeClient, testRenderer(t))
	_, err := o.RunNode(context.Background(), "n1", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, k8s.ErrJobFailed)
	assert.Equal(t, 1, creates)
}

func TestRunNode_MissingTemplateIsFatal(t *testing.T) {
	fakeClient := fake.NewClientset()
	creates := 0
	fakeClient.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		creates++
		return false, nil, nil
	})

	o := newOrchestrator(fakeClient, &jobspec.Renderer{
		TemplatePath: filepath.Join(t.TempDir(), "missing.template"),
	})
	_, err := o.RunNode(context.Background(), "n1", 1)
	assert.ErrorIs(t, err, jobspec.ErrTemplateNotFound)
	assert.Zero(t, creates)
}

func testCoordinator(fakeClient *fake.Clientset, r *jobspec.Renderer, policy config.FailurePolicy) *Coordinator {
	return &Coordinator{
		Resources: k8s.New(fakeClient),
		Renderer:  r,
		Policy:    fastPolicy(),
		RunID:     "run-1",
		Config: &config.Config{
			Image:         testImage,
			Namespace:     config.DefaultNamespace,
			OnNodeFailure: policy,
		},
	}
}

func TestCoordinatorRun_AllNodes(t *testing.T) {
	fakeClient := fake.NewClientset(
		jobPod(jobspec.JobName(testImage, 1), "n1"),
		jobPod(jobspec.JobName(testImage, 2), "n2"),
	)
	completeJobsOnCreate(fakeClient, true)

	c := testCoordinator(fakeClient, testRenderer(t), config.FailurePolicyAbort)
	outcomes, err := c.Run(context.Background(), []string{"n1", "n2"})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "n1", outcomes[0].Node)
	assert.Equal(t, "n2", outcomes[1].Node)
}

func TestCoordinatorRun_AbortSweepsJobs(t *testing.T) {
	fakeClient := fake.NewClientset()
	completeJobsOnCreate(fakeClient, false)

	c := testCoordinator(fakeClient, testRenderer(t), config.FailurePolicyAbort)
	_, err := c.Run(context.Background(), []string{"n1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, k8s.ErrJobFailed)

	jobs, lerr := fakeClient.BatchV1().Jobs(config.DefaultNamespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, lerr)
	assert.Empty(t, jobs.Items, "aborted run must not leak jobs")
}

func TestCoordinatorRun_CountPolicyContinues(t *testing.T) {
	fakeClient := fake.NewClientset()
	completeJobsOnCreate(fakeClient, false)

	c := testCoordinator(fakeClient, testRenderer(t), config.FailurePolicyCount)
	outcomes, err := c.Run(context.Background(), []string{"n1"})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Failed)
	assert.Equal(t, "n1", outcomes[0].Node)
}

func workerNode(name string) *corev1.Node {
	return &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func TestResolveNodes_DiscoversWorkers(t *testing.T) {
	fakeClient := fake.NewClientset(workerNode("worker-1"), workerNode("worker-2"))
	c := testCoordinator(fakeClient, nil, config.FailurePolicyAbort)

	nodes, err := c.ResolveNodes(context.Background(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"worker-1", "worker-2"}, nodes)
}

func TestResolveNodes_EmptyCluster(t *testing.T) {
	c := testCoordinator(fake.NewClientset(), nil, config.FailurePolicyAbort)

	_, err := c.ResolveNodes(context.Background(), nil)
	assert.Error(t, err)
}

func TestResolveNodes_KeepsExplicitOrder(t *testing.T) {
	fakeClient := fake.NewClientset(workerNode("a"), workerNode("b"), workerNode("c"))
	c := testCoordinator(fakeClient, nil, config.FailurePolicyAbort)

	nodes, err := c.ResolveNodes(context.Background(), []string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, nodes)
}

func TestResolveNodes_UnknownNodeSuggestsClosest(t *testing.T) {
	fakeClient := fake.NewClientset(workerNode("worker-1"), workerNode("worker-2"))
	c := testCoordinator(fakeClient, nil, config.FailurePolicyAbort)

	_, err := c.ResolveNodes(context.Background(), []string{"worker1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"worker-1"`)
}
