package validation

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/NVIDIA/image-compat/pkg/aggregator"
	"github.com/NVIDIA/image-compat/pkg/config"
	"github.com/NVIDIA/image-compat/pkg/orchestrator"
	"github.com/NVIDIA/image-compat/pkg/report"
	"github.com/NVIDIA/image-compat/pkg/retry"
)

const (
	passingPayload = `[{"rules":[{"name":"kernel","isMatch":true}]}]`
	failingPayload = `[{"rules":[{"name":"kernel","isMatch":false}]}]`
)

func testCase(t *testing.T, outcomes []aggregator.Outcome, execErr error) (*Case, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	c := &Case{
		Config: &config.Config{
			Image:     "registry.io/app:v1",
			Namespace: config.DefaultNamespace,
			Nodes:     []string{"n1", "n2"},
		},
		Client:   fake.NewClientset(workerNode("n1"), workerNode("n2")),
		Policy:   &retry.Policy{Attempts: 2, Delay: time.Millisecond},
		Reporter: &report.Reporter{Out: &buf},
		preflight: func(context.Context, string, bool) error {
			return nil
		},
		execute: func(context.Context, *orchestrator.Coordinator, []string) ([]aggregator.Outcome, error) {
			return outcomes, execErr
		},
	}
	return c, &buf
}

func workerNode(name string) *corev1.Node {
	return &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func TestRun_AllCompatible(t *testing.T) {
	c, buf := testCase(t, []aggregator.Outcome{
		{Node: "n1", Logs: passingPayload},
		{Node: "n2", Logs: passingPayload},
	}, nil)

	require.NoError(t, c.Run(context.Background()))
	assert.True(t, c.Scored)
	assert.Equal(t, 100.0, c.Result)
	assert.False(t, c.StartTime.IsZero())
	assert.False(t, c.StopTime.IsZero())
	assert.False(t, c.StopTime.Before(c.StartTime))
	assert.Empty(t, buf.String())
}

func TestRun_PartialCompatibilityReportsFailures(t *testing.T) {
	c, buf := testCase(t, []aggregator.Outcome{
		{Node: "n1", Logs: passingPayload},
		{Node: "n2", Logs: failingPayload},
	}, nil)

	require.NoError(t, c.Run(context.Background()))
	assert.True(t, c.Scored)
	assert.Equal(t, 50.0, c.Result)
	assert.Contains(t, buf.String(), "incompatible with node: n2")
}

func TestRun_EnsuresNamespaceWithLabels(t *testing.T) {
	c, _ := testCase(t, []aggregator.Outcome{{Node: "n1", Logs: passingPayload}}, nil)

	require.NoError(t, c.Run(context.Background()))

	ns, err := c.Client.CoreV1().Namespaces().Get(context.Background(), config.DefaultNamespace, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "privileged", ns.Labels["pod-security.kubernetes.io/enforce"])
}

func TestRun_InvalidConfigFailsFast(t *testing.T) {
	c, _ := testCase(t, nil, nil)
	c.Config.Image = ""

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, config.ErrMissingImage)
	assert.False(t, c.Scored)
	assert.False(t, c.StopTime.IsZero())
}

func TestRun_PreflightFailureAborts(t *testing.T) {
	c, _ := testCase(t, nil, nil)
	c.preflight = func(context.Context, string, bool) error {
		return errors.New("manifest unknown")
	}

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-flight")
	assert.False(t, c.Scored)
}

func TestRun_SkipPreflight(t *testing.T) {
	c, _ := testCase(t, []aggregator.Outcome{{Node: "n1", Logs: passingPayload}}, nil)
	c.Config.SkipPreflight = true
	c.preflight = func(context.Context, string, bool) error {
		t.Fatal("preflight must not run")
		return nil
	}

	require.NoError(t, c.Run(context.Background()))
}

func TestRun_ExecutionFailureLeavesScoreUnset(t *testing.T) {
	c, _ := testCase(t, nil, errors.New("node n1 exploded"))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.False(t, c.Scored)
	assert.Zero(t, c.Result)
}

func TestRun_UnknownNodeFails(t *testing.T) {
	c, _ := testCase(t, nil, nil)
	c.Config.Nodes = []string{"n1", "ghost"}

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
	assert.False(t, c.Scored)
}

func TestRun_AssignsRunID(t *testing.T) {
	c, _ := testCase(t, []aggregator.Outcome{{Node: "n1", Logs: passingPayload}}, nil)

	require.NoError(t, c.Run(context.Background()))
	assert.NotEmpty(t, c.RunID)
}
