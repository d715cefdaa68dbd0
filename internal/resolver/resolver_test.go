package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cargobay/cargobay/internal/model"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	r := New([]model.RepoMapping{
		{LocalName: "library/alpine", RegistryID: "dockerhub", UpstreamName: "library/alpine"},
		{LocalName: "app", RegistryID: "ghcr", UpstreamName: "org/app"},
	})

	registryID, upstreamName, ok := r.Resolve("app")
	assert.True(t, ok)
	assert.Equal(t, "ghcr", registryID)
	assert.Equal(t, "org/app", upstreamName)

	_, _, ok = r.Resolve("unknown/repo")
	assert.False(t, ok)
}

func TestLocalNameFromPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path          string
		wantLocal     string
		wantKind      string
		wantReference string
		wantOK        bool
	}{
		{"/v2/library/alpine/manifests/latest", "library/alpine", "manifests", "latest", true},
		{"/v2/team/app/blobs/sha256:deadbeef", "team/app", "blobs", "sha256:deadbeef", true},
		{"/v2/team/app/tags/list", "team/app", "tags", "list", true},
		{"/v2/", "", "", "", false},
		{"/not-v2/foo/manifests/latest", "", "", "", false},
	}

	for _, tc := range cases {
		local, kind, reference, ok := LocalNameFromPath(tc.path)
		assert.Equal(t, tc.wantOK, ok, tc.path)
		if tc.wantOK {
			assert.Equal(t, tc.wantLocal, local, tc.path)
			assert.Equal(t, tc.wantKind, kind, tc.path)
			assert.Equal(t, tc.wantReference, reference, tc.path)
		}
	}
}
