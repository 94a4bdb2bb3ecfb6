/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

// Package registry checks that the image under validation actually exists
// before any cluster resources are provisioned for it.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/distribution/reference"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote"
)

// Preflight resolves the image's manifest descriptor from its registry,
// honoring the plain-HTTP flag the validation workload will run with.
// A failure here means every per-node job would fail the same way, so the
// run stops before creating any of them.
func Preflight(ctx context.Context, image string, plainHTTP bool) (ocispec.Descriptor, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	named = reference.TagNameOnly(named)

	repo, err := remote.NewRepository(named.Name())
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("failed to set up registry client for %q: %w", image, err)
	}
	repo.PlainHTTP = plainHTTP

	target := tagOrDigest(named)
	desc, err := repo.Resolve(ctx, target)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("image %q not resolvable in registry: %w", image, err)
	}

	slog.Info("registry pre-flight passed",
		"image", image,
		"digest", desc.Digest,
		"mediaType", desc.MediaType,
		"size", desc.Size)
	return desc, nil
}

func tagOrDigest(named reference.Named) string {
	if digested, ok := named.(reference.Digested); ok {
		return digested.Digest().String()
	}
	if tagged, ok := named.(reference.Tagged); ok {
		return tagged.Tag()
	}
	return "latest"
}
