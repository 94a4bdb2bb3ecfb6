package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("IMAGE", "registry.io/app:v1")
	t.Setenv("NODES", "n1,,n2, ,n3")
	t.Setenv("PLAIN_HTTP", "1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "registry.io/app:v1", cfg.Image)
	assert.Equal(t, []string{"n1", "n2", "n3"}, cfg.Nodes)
	assert.True(t, cfg.PlainHTTP)
	assert.Equal(t, DefaultNamespace, cfg.Namespace)
	assert.Equal(t, FailurePolicyAbort, cfg.OnNodeFailure)
}

func TestFromEnv_MissingImage(t *testing.T) {
	t.Setenv("IMAGE", "")

	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrMissingImage)
}

func TestFromEnv_PlainHTTPVariants(t *testing.T) {
	for _, tc := range []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{"0", false},
		{"", false},
		{"no", false},
	} {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("IMAGE", "app:v1")
			t.Setenv("PLAIN_HTTP", tc.value)

			cfg, err := FromEnv()
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.PlainHTTP)
		})
	}
}

func TestSplitNodes(t *testing.T) {
	assert.Nil(t, SplitNodes(""))
	assert.Nil(t, SplitNodes(",,"))
	assert.Equal(t, []string{"a", "b"}, SplitNodes("a,b"))
	assert.Equal(t, []string{"a"}, SplitNodes(",a,"))
}

func TestValidate(t *testing.T) {
	cfg := &Config{Image: "registry.io/app:v1", Namespace: "ns"}
	assert.NoError(t, cfg.Validate())

	cfg = &Config{Image: "not a valid ref!!", Namespace: "ns"}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Image: "app:v1", Namespace: ""}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Image: "app:v1", Namespace: "ns", OnNodeFailure: "explode"}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Image: "app:v1", Namespace: "ns", OnNodeFailure: FailurePolicyCount}
	assert.NoError(t, cfg.Validate())
}
