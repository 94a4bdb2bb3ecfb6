package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/image-compat/pkg/config"
)

func TestValidate_UnknownFormat(t *testing.T) {
	t.Setenv("IMAGE", "registry.io/app:v1")

	err := RootCmd().Run(context.Background(),
		[]string{"imgcompat", "validate", "--format", "xml"})
	assert.ErrorContains(t, err, "unknown output format")
}

func TestValidate_MissingImage(t *testing.T) {
	t.Setenv("IMAGE", "")

	err := RootCmd().Run(context.Background(),
		[]string{"imgcompat", "validate"})
	assert.ErrorIs(t, err, config.ErrMissingImage)
}

func TestValidate_BadFailurePolicy(t *testing.T) {
	t.Setenv("IMAGE", "registry.io/app:v1")

	err := RootCmd().Run(context.Background(),
		[]string{"imgcompat", "validate", "--on-node-failure", "explode"})
	assert.ErrorContains(t, err, "failure policy")
}
